package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func serve(t *testing.T, method string, h gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Handle(method, "/x", h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, "/x", nil))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name   string
		method string
		err    error
		status int
		code   string
	}{
		{"get ok", http.MethodGet, nil, http.StatusOK, ""},
		{"post created", http.MethodPost, nil, http.StatusCreated, ""},
		{"record not found", http.MethodGet, fmt.Errorf("load: %w", gorm.ErrRecordNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"duplicate key", http.MethodPost, gorm.ErrDuplicatedKey, http.StatusConflict, ErrCodeDuplicateResource},
		{"anything else", http.MethodGet, errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, tt.method, func(c *gin.Context) {
				Handle(c, gin.H{"ok": true}, tt.err)
			})
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.err == nil, body.Success)
			if tt.err != nil {
				require.NotNil(t, body.Error)
				assert.Equal(t, tt.code, body.Error.Code)
				assert.NotContains(t, body.Error.Message, "boom")
			}
		})
	}
}

func TestConflictAndRateLimit(t *testing.T) {
	w, body := serve(t, http.MethodPut, func(c *gin.Context) { Conflict(c, "signal is terminal") })
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ErrCodeConflict, body.Error.Code)

	w, body = serve(t, http.MethodGet, func(c *gin.Context) { TooManyRequests(c, "slow down") })
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, ErrCodeRateLimited, body.Error.Code)
}
