package gitexec

import (
	"strings"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// ValidateBranchName rejects names git would refuse or could read as an option.
func ValidateBranchName(branch string) error {
	invalid := func(reason string) error {
		return errors.NewValidationError(reason).WithField("branch").WithValue(branch)
	}
	switch {
	case branch == "":
		return invalid("branch is empty")
	case strings.HasPrefix(branch, "-"):
		return invalid("branch must not start with '-'")
	case strings.ContainsAny(branch, " ~^:?*[\\\t\n"),
		strings.Contains(branch, ".."),
		strings.Contains(branch, "@{"),
		strings.HasSuffix(branch, "/"),
		strings.HasSuffix(branch, ".lock"),
		strings.HasPrefix(branch, "/"):
		return invalid("branch name is not a valid git ref")
	}
	return nil
}
