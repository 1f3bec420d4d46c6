package ctxmanage

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGetTraceId(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Unknown", GetTraceId(context.Background()))
	assert.Equal(t, "abc", GetTraceId(WithTraceId(context.Background(), "abc")))
}

func TestGetTraceIdOfRequest(t *testing.T) {
	t.Parallel()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest("GET", "/", nil)
	c.Request = req.WithContext(WithTraceId(req.Context(), "trace-1"))

	assert.Equal(t, "trace-1", GetTraceIdOfRequest(c))
}
