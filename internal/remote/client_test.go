package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/transport"
)

func TestClient_PushProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/progress/batch", r.URL.Path)

		var req batchRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.Records, 2) {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		remote := req.Records[1]
		remote.CompletionPercentage = 99

		_ = json.NewEncoder(w).Encode(batchResponse{Results: []Result{
			{Key: req.Records[0].Key(), Accepted: true},
			{Key: req.Records[1].Key(), Accepted: false, Remote: &remote},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil)

	results, err := c.PushProgress(context.Background(), []lesson.VideoProgress{
		{UserID: "u", CourseID: "c", LessonID: "l1", CompletionPercentage: 10},
		{UserID: "u", CourseID: "c", LessonID: "l2", CompletionPercentage: 20},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Accepted)
	assert.Equal(t, lesson.Key{UserID: "u", CourseID: "c", LessonID: "l1"}, results[0].Key)
	require.NotNil(t, results[1].Remote)
	assert.InDelta(t, 99.0, results[1].Remote.CompletionPercentage, 0.001)
}

func TestClient_PushProgressServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client(), nil).PushProgress(context.Background(), nil)

	var netErr *transport.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
}

func TestClient_ModuleLessons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/modules/m1/lessons" {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write([]byte(`{"lessons":[{"id":"l1"},{"id":"l2"},{"id":"l3"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil)

	ids, err := c.ModuleLessons(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2", "l3"}, ids)

	_, err = c.ModuleLessons(context.Background(), "m2")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestClient_Health(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), nil)
	require.NoError(t, c.Health(context.Background()))

	healthy.Store(false)
	assert.Error(t, c.Health(context.Background()))

	srv.Close()
	assert.Error(t, c.Health(context.Background()))
}
