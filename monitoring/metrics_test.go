package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/nn"
)

func TestUpdateTraining(t *testing.T) {
	c := NewCollector()
	c.UpdateTraining(42, nn.FamilyStudent, 1, 55.5, 0.25)

	status := c.trainingStatus.WithLabelValues("42", "student")
	assert.Equal(t, 1.0, testutil.ToFloat64(status))
	assert.Equal(t, 55.5, testutil.ToFloat64(c.trainingProgress.WithLabelValues("42", "student")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.trainingLoss.WithLabelValues("42", "student")))

	c.UpdateTraining(42, nn.FamilyStudent, 2, 100, 0.1)
	assert.Equal(t, 2.0, testutil.ToFloat64(status))
}

func TestMiddlewareCountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewCollector()

	router := gin.New()
	router.Use(c.Middleware())
	router.GET("/ping", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	// Unknown routes share one label value.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.requestCount.WithLabelValues("GET", "/ping", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestCount.WithLabelValues("GET", "unmatched", "404")))
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewCollector()
	c.UpdateTraining(7, nn.FamilyTeacher, 1, 10, 1.5)

	router := gin.New()
	router.GET("/metrics", c.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "model_training_status"))
	assert.True(t, strings.Contains(w.Body.String(), `model_type="teacher"`))
}
