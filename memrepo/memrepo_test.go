package memrepo_test

import (
	"testing"

	"github.com/programme-lv/grader/memrepo"
	"github.com/programme-lv/grader/repotest"
)

func TestMemRepo(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repotest.Repo { return memrepo.New() })
}
