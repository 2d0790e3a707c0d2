package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/programme-lv/grader/logger"
	decorator "github.com/programme-lv/grader/srvccqs"
	"github.com/programme-lv/grader/srvcerror"
)

// ErrorCode is a reusable feedback snippet with a default point delta.
// The identifier never changes once created.
type ErrorCode struct {
	ID           string    `json:"id" validate:"required,codeid"`
	Label        string    `json:"label" validate:"required,max=120"`
	Description  string    `json:"description" validate:"max=4000"`
	DefaultDelta float64   `json:"default_delta"`
	Comment      string    `json:"comment,omitempty" validate:"max=4000"`
	Version      int       `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fields is a partial update; nil fields are left unchanged.
type Fields struct {
	Label        *string
	Description  *string
	DefaultDelta *float64
	Comment      *string
}

// Repo is the persistent store behind the catalog. DeleteCode must check
// references and delete in one transaction.
type Repo interface {
	CreateCode(ctx context.Context, code ErrorCode) error
	UpdateCode(ctx context.Context, id string, update func(*ErrorCode) error) (ErrorCode, error)
	DeleteCode(ctx context.Context, id string) error
	GetCode(ctx context.Context, id string) (ErrorCode, error)
	ListCodes(ctx context.Context) ([]ErrorCode, error)
}

var codeIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

func ValidID(id string) bool {
	return codeIDRegexp.MatchString(id)
}

// NewValidator returns a validator that knows the "codeid" tag.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("codeid", func(fl validator.FieldLevel) bool {
		return ValidID(fl.Field().String())
	})
	return v
}

type Catalog struct {
	repo     Repo
	validate *validator.Validate
	now      func() time.Time
	remove   decorator.CmdHandler[string]
}

func New(repo Repo) *Catalog {
	c := &Catalog{
		repo:     repo,
		validate: NewValidator(),
		now:      time.Now,
	}
	c.remove = decorator.LoggedCmd[string]("catalog.remove", decorator.CmdFunc[string](c.removeCode))
	return c
}

func (c *Catalog) Add(ctx context.Context, code ErrorCode) (ErrorCode, error) {
	code.ID = strings.TrimSpace(code.ID)
	code.Label = strings.TrimSpace(code.Label)
	if err := c.check(code); err != nil {
		return ErrorCode{}, err
	}
	code.Version = 1
	code.UpdatedAt = c.now().UTC()
	if err := c.repo.CreateCode(ctx, code); err != nil {
		return ErrorCode{}, err
	}
	logger.FromContext(ctx).Info("error code added", "code_id", code.ID, "default_delta", code.DefaultDelta)
	return code, nil
}

// Update changes text or the default delta. Entries that already applied the
// code keep the delta they captured.
func (c *Catalog) Update(ctx context.Context, id string, f Fields) (ErrorCode, error) {
	updated, err := c.repo.UpdateCode(ctx, id, func(code *ErrorCode) error {
		if f.Label != nil {
			code.Label = strings.TrimSpace(*f.Label)
		}
		if f.Description != nil {
			code.Description = *f.Description
		}
		if f.DefaultDelta != nil {
			code.DefaultDelta = *f.DefaultDelta
		}
		if f.Comment != nil {
			code.Comment = *f.Comment
		}
		if err := c.check(*code); err != nil {
			return err
		}
		code.Version++
		code.UpdatedAt = c.now().UTC()
		return nil
	})
	if err != nil {
		return ErrorCode{}, err
	}
	logger.FromContext(ctx).Info("error code updated", "code_id", id, "version", updated.Version)
	return updated, nil
}

// Remove deletes a code; it fails with CodeInUse while any feedback entry
// references it.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	return c.remove.Handle(ctx, id)
}

func (c *Catalog) removeCode(ctx context.Context, id string) error {
	if err := c.repo.DeleteCode(ctx, id); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("error code removed", "code_id", id)
	return nil
}

func (c *Catalog) Get(ctx context.Context, id string) (ErrorCode, error) {
	return c.repo.GetCode(ctx, id)
}

func (c *Catalog) List(ctx context.Context) ([]ErrorCode, error) {
	return c.repo.ListCodes(ctx)
}

func (c *Catalog) check(code ErrorCode) error {
	err := c.validate.Struct(code)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return srvcerror.ErrInvalidInput(
			fmt.Sprintf("error code field '%s' failed validation '%s'", fe.Field(), fe.Tag()),
		).SetDebug(err)
	}
	return srvcerror.ErrInvalidInput("invalid error code").SetDebug(err)
}
