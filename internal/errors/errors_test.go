package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	err := Wrap(CodeLedgerUnavailable, context.DeadlineExceeded, "读取余额失败")

	assert.True(t, stdErrors.Is(err, context.DeadlineExceeded))
	assert.True(t, HasCode(err, CodeLedgerUnavailable))
	assert.False(t, HasCode(err, CodeRefused))
	assert.True(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus())
}

func TestFromUnwrapsThroughFmt(t *testing.T) {
	inner := New(CodeAlreadyExecuted, "", WithMetadata("job_id", "J1"))
	outer := fmt.Errorf("settle: %w", inner)

	got, ok := From(outer)
	require.True(t, ok)
	assert.Equal(t, CodeAlreadyExecuted, got.Code())
	assert.Equal(t, "job already executed", got.Message())
	assert.Equal(t, "J1", got.Metadata()["job_id"])
	assert.Equal(t, CodeAlreadyExecuted, CodeOf(outer))
}

func TestOverrides(t *testing.T) {
	err := New(CodeRefused, "too much", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical))

	assert.False(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.Equal(t, SeverityCritical, SeverityOf(err))
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	assert.Equal(t, AttributesOf(CodeUnknown), attr)
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
	assert.False(t, RetryableError(stdErrors.New("plain")))
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodePaymentRequired, "", WithMetadata("fee", "1000"))
	md := err.Metadata()
	md["fee"] = "changed"
	assert.Equal(t, "1000", err.Metadata()["fee"])
}
