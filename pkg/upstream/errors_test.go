package upstream

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPErrorKindClassification(t *testing.T) {
	cases := []struct {
		name   string
		err    *HTTPError
		want   ErrorKind
	}{
		{"429 is transient", &HTTPError{StatusCode: http.StatusTooManyRequests}, KindTransient},
		{"401 is fatal", &HTTPError{StatusCode: http.StatusUnauthorized}, KindFatal},
		{"400 without whitelist is fatal", &HTTPError{StatusCode: http.StatusBadRequest, Body: "bad request"}, KindFatal},
		{"400 with ISO whitelist is transient", &HTTPError{StatusCode: http.StatusBadRequest, Body: "not in ISO 8601 format"}, KindTransient},
		{"500 is transient", &HTTPError{StatusCode: http.StatusInternalServerError}, KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Kind())
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindFatal, Classify(&HTTPError{StatusCode: http.StatusUnauthorized}))
	assert.Equal(t, KindLogic, Classify(&LogicError{Err: errors.New("boom")}))
	assert.Equal(t, KindCancelled, Classify(context.Canceled))
	assert.Equal(t, KindCancelled, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, Classify(errors.New("connection reset")))
}

func TestLogicErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &LogicError{Err: inner}

	assert.ErrorIs(t, err, inner)
}
