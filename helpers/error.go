package helpers

import (
	"strings"

	"github.com/juju/errors"
)

func FoldErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return errors.Errorf(strings.Join(ss, "\n"))
}

// FoldErrChan folds a closed channel of errors into one.
func FoldErrChan(ch <-chan error) error {
	errs := make([]error, 0, 8)
	for e := range ch {
		errs = append(errs, e)
	}
	return FoldErrors(errs)
}
