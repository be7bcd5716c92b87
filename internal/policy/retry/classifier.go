// Package retry classifies external API failures and decides whether and how
// long to wait before retrying them.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Classifier maps raw transport failures onto crawler error categories.
type Classifier struct{}

// Classify tags err with a category. A nil error yields nil.
func (Classifier) Classify(err error) *crawler.ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *crawler.ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var te *crawler.TransportError
	if errors.As(err, &te) {
		return &crawler.ClassifiedError{
			Category:   categoryForStatus(te.Code),
			Err:        err,
			RetryAfter: te.RetryAfter,
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &crawler.ClassifiedError{Category: crawler.CategoryFatal, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &crawler.ClassifiedError{Category: crawler.CategoryTransient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &crawler.ClassifiedError{Category: crawler.CategoryTransient, Err: err}
	}
	return &crawler.ClassifiedError{Category: crawler.CategoryUnknown, Err: err}
}

func categoryForStatus(code int) crawler.Category {
	switch {
	case code == http.StatusTooManyRequests:
		return crawler.CategoryRateLimited
	case code == http.StatusUnauthorized:
		return crawler.CategoryAuthFailure
	case code == http.StatusForbidden:
		return crawler.CategoryPermissionDenied
	case code == http.StatusNotFound, code == http.StatusGone:
		return crawler.CategoryNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly:
		return crawler.CategoryTransient
	case code >= 500 && code <= 599:
		return crawler.CategoryTransient
	case code >= 400 && code <= 499:
		return crawler.CategoryFatal
	default:
		return crawler.CategoryUnknown
	}
}
