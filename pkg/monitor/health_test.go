// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/turtacn/mqtt-postoffice/pkg/logger"
)

func newChecker() *HealthChecker {
	return NewHealthChecker(Options{Node: "node-1", Version: "v0.1.0", Logger: logger.Discard()})
}

func TestNewHealthChecker(t *testing.T) {
	hc := newChecker()
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, []string{"goroutines"}, hc.Checks())
	assert.Equal(t, DefaultCheckTimeout, hc.opts.Timeout)
}

func TestRunChecksCriticalFailure(t *testing.T) {
	hc := newChecker()
	var broken atomic.Bool
	hc.RegisterCheck("broker", func(context.Context) error {
		if broken.Load() {
			return errors.New("closed")
		}
		return nil
	}, true)
	hc.RegisterCheck("cache", func(context.Context) error { return errors.New("cold") }, false)

	status := hc.RunChecks(context.Background())
	assert.Equal(t, StatusHealthy, status.Status, "non-critical failures are only reported")
	assert.Equal(t, CheckPassed, status.Checks["broker"].Status)
	assert.Equal(t, CheckFailed, status.Checks["cache"].Status)
	assert.Equal(t, "cold", status.Checks["cache"].Message)
	assert.Equal(t, "node-1", status.Node)
	assert.Equal(t, "v0.1.0", status.Version)

	broken.Store(true)
	status = hc.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.False(t, hc.IsHealthy())
	assert.True(t, status.Checks["broker"].Critical)

	broken.Store(false)
	hc.RunChecks(context.Background())
	assert.True(t, hc.IsHealthy())
}

func TestDisabledCheckIsSkipped(t *testing.T) {
	hc := newChecker()
	var calls atomic.Int32
	hc.RegisterCheck("broker", func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}, true)

	assert.True(t, hc.DisableCheck("broker"))
	assert.False(t, hc.DisableCheck("missing"))
	status := hc.RunChecks(context.Background())
	assert.Zero(t, calls.Load())
	assert.NotContains(t, status.Checks, "broker")
	assert.True(t, hc.IsHealthy())

	assert.True(t, hc.EnableCheck("broker"))
	hc.RunChecks(context.Background())
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, hc.IsHealthy())

	hc.UnregisterCheck("broker")
	hc.RunChecks(context.Background())
	assert.True(t, hc.IsHealthy())
}

func TestStatusBeforeRun(t *testing.T) {
	hc := newChecker()
	status := hc.Status()
	assert.Equal(t, CheckUnknown, status.Checks["goroutines"].Status)
	assert.Positive(t, status.SystemInfo.Goroutines)
	assert.NotEmpty(t, status.SystemInfo.GoVersion)
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	hc := NewHealthChecker(Options{Timeout: 20 * time.Millisecond, Logger: logger.Discard()})
	hc.RegisterCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, true)
	hc.RegisterCheck("panics", func(context.Context) error { panic("boom") }, false)

	status := hc.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["slow"].Message, "deadline")
	assert.Contains(t, status.Checks["panics"].Message, "boom")
}

func TestRunStopsOnCancel(t *testing.T) {
	hc := newChecker()
	var calls atomic.Int32
	hc.RegisterCheck("count", func(context.Context) error { calls.Add(1); return nil }, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hc.Run(ctx, 5*time.Millisecond) }()
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConcurrentAccess(t *testing.T) {
	hc := newChecker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				hc.RunChecks(context.Background())
				_ = hc.Status()
				hc.RegisterCheck("churn", func(context.Context) error { return nil }, false)
				hc.UnregisterCheck("churn")
			}
		}()
	}
	wg.Wait()
	assert.True(t, hc.IsHealthy())
}

func TestHandlerEndpoints(t *testing.T) {
	hc := newChecker()
	var down atomic.Bool
	hc.RegisterCheck("broker", func(context.Context) error {
		if down.Load() {
			return errors.New("closed")
		}
		return nil
	}, true)
	h := Handler(hc)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	var basic map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &basic))
	assert.Equal(t, "ok", basic["status"])

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	down.Store(true)
	rec = get("/health/detailed")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var detailed HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detailed))
	assert.Equal(t, StatusUnhealthy, detailed.Status)
	assert.Equal(t, CheckFailed, detailed.Checks["broker"].Status)

	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code, "liveness ignores checks")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGRPCHealthFollowsChecker(t *testing.T) {
	hc := newChecker()
	var down atomic.Bool
	hc.RegisterCheck("broker", func(context.Context) error {
		if down.Load() {
			return errors.New("closed")
		}
		return nil
	}, true)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(hc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	down.Store(true)
	hc.RunChecks(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	down.Store(false)
	hc.RunChecks(ctx)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))
}

func TestServeHTTPStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeHTTP(ctx, "127.0.0.1:0", newChecker(), logger.Discard()) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP did not stop")
	}
}

func TestServeGRPCStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeGRPC(ctx, "127.0.0.1:0", newChecker(), logger.Discard()) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeGRPC did not stop")
	}
}
