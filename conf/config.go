package conf

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	StorageBolt     = "bolt"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	DataDir string `env:"GRADER_DATA_DIR" env-default:"./data/"`
	Storage string `env:"GRADER_STORAGE" env-default:"bolt"`

	HttpAddr    string   `env:"GRADER_HTTP_ADDR" env-default:":8080"`
	CorsOrigins []string `env:"GRADER_CORS_ORIGINS" env-separator:"," env-default:"http://localhost:3000"`

	LogLevel  string `env:"GRADER_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"GRADER_LOG_FORMAT" env-default:"text"`

	Archive ArchiveLimits
	Index   IndexConfig
	Export  ExportConfig
}

type ArchiveLimits struct {
	MaxArchiveBytes int64 `env:"GRADER_MAX_ARCHIVE_BYTES" env-default:"268435456"`
	MaxTotalBytes   int64 `env:"GRADER_MAX_EXTRACTED_BYTES" env-default:"1073741824"`
	MaxFileBytes    int64 `env:"GRADER_MAX_FILE_BYTES" env-default:"134217728"`
	MaxEntries      int   `env:"GRADER_MAX_ENTRIES" env-default:"20000"`
}

type IndexConfig struct {
	// Layout is "student-major" or "exercise-major".
	Layout string `env:"GRADER_LAYOUT" env-default:"student-major"`
	// ExercisePattern is a regexp whose first capture group names the
	// exercise; "*" accepts every directory.
	ExercisePattern string `env:"GRADER_EXERCISE_PATTERN" env-default:""`
	// ExercisePrefixes are case-insensitive name prefixes, used when
	// ExercisePattern is empty.
	ExercisePrefixes []string `env:"GRADER_EXERCISE_PREFIXES" env-separator:"," env-default:""`
	StudentPattern   string   `env:"GRADER_STUDENT_PATTERN" env-default:""`
	SheetFile        string   `env:"GRADER_SHEET_FILE" env-default:""`
	// DefaultMaxPoints caps exercises that no sheet file defines.
	DefaultMaxPoints float64 `env:"GRADER_DEFAULT_MAX_POINTS" env-default:"10"`
}

type ExportConfig struct {
	PandocBin       string        `env:"GRADER_PANDOC_BIN" env-default:"pandoc"`
	PdfEngine       string        `env:"GRADER_PDF_ENGINE" env-default:"xelatex"`
	MainFont        string        `env:"GRADER_MAIN_FONT" env-default:"DejaVuSerif"`
	MonoFont        string        `env:"GRADER_MONO_FONT" env-default:"DejaVuSansMono"`
	Timeout         time.Duration `env:"GRADER_TYPESET_TIMEOUT" env-default:"60s"`
	Workers         int           `env:"GRADER_EXPORT_WORKERS" env-default:"4"`
	JobTTL          time.Duration `env:"GRADER_EXPORT_JOB_TTL" env-default:"30m"`
	S3Bucket        string        `env:"GRADER_EXPORT_S3_BUCKET" env-default:""`
	S3Region        string        `env:"GRADER_EXPORT_S3_REGION" env-default:"eu-central-1"`
	ExcerptMaxLines int           `env:"GRADER_EXCERPT_MAX_LINES" env-default:"40"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StorageBolt, StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage)
	}
	if c.Export.Workers <= 0 {
		c.Export.Workers = 1
	}
	if c.Index.DefaultMaxPoints < 0 {
		return fmt.Errorf("default max points must not be negative")
	}
	return nil
}

func (c *Config) ArchivesDir() string {
	return filepath.Join(c.DataDir, "archives")
}

func (c *Config) ExportsDir() string {
	return filepath.Join(c.DataDir, "exports")
}

func (c *Config) BoltPath() string {
	return filepath.Join(c.DataDir, "grader.db")
}
