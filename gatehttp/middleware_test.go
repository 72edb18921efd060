/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gatehttp

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/testutil"

	"github.com/acronis/go-gatekit/gate"
)

func TestGateMiddleware(t *testing.T) {
	const errDomain = "MyService"

	makeReqAndRespRec := func() (*http.Request, *httptest.ResponseRecorder) {
		return httptest.NewRequest(http.MethodPost, "/v1/completions", nil), httptest.NewRecorder()
	}

	t.Run("capacity=1, second request is rejected", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		handler := MiddlewareWithOpts(gate.MustNew(1), errDomain,
			Opts{AcquireTimeout: time.Millisecond * 100})(next)

		respCode := make(chan int)
		go func() {
			// Do the first HTTP request.
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired // Wait until the first HTTP request starts to be processed.
		block = false

		// Try to do the second HTTP request -> 503.
		req, respRec := makeReqAndRespRec()
		reqStart := time.Now()
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusServiceUnavailable, errDomain, RejectErrCode)
		require.Empty(t, respRec.Header().Get("Retry-After"))
		require.GreaterOrEqual(t, time.Since(reqStart), time.Millisecond*90,
			"the second request should wait for a free slot before rejection")

		close(reqContinued)                         // Let the first HTTP request be continued.
		require.Equal(t, http.StatusOK, <-respCode) // Wait until the first goroutine ends.

		// Now we can do the next HTTP request without any problem.
		req, respRec = makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
	})

	t.Run("waiting request is admitted when a slot frees in time", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		handler := MiddlewareWithOpts(gate.MustNew(1), errDomain, Opts{AcquireTimeout: time.Second})(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		go func() {
			time.Sleep(time.Millisecond * 50)
			close(reqContinued)
		}()

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("retry-after header is set on rejection", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		handler := MiddlewareWithOpts(gate.MustNew(1), errDomain, Opts{
			AcquireTimeout:     time.Millisecond * 10,
			ResponseStatusCode: http.StatusTooManyRequests,
			GetRetryAfter: func(r *http.Request) time.Duration {
				return time.Second * 15
			},
		})(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		testutil.RequireErrorInRecorder(t, respRec, http.StatusTooManyRequests, errDomain, RejectErrCode)
		require.Equal(t, "15", respRec.Header().Get("Retry-After"))

		close(reqContinued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("dry run mode serves requests over capacity", func(t *testing.T) {
		acquired := make(chan struct{})
		reqContinued := make(chan struct{})
		block := true
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if block {
				close(acquired)
				<-reqContinued
			}
			rw.WriteHeader(http.StatusOK)
		})
		handler := MiddlewareWithOpts(gate.MustNew(1), errDomain, Opts{DryRun: true})(next)

		respCode := make(chan int)
		go func() {
			req, respRec := makeReqAndRespRec()
			handler.ServeHTTP(respRec, req)
			respCode <- respRec.Code
		}()
		<-acquired
		block = false

		// The second request is over capacity but still served in dry run mode.
		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.Equal(t, http.StatusOK, respRec.Code)

		close(reqContinued)
		require.Equal(t, http.StatusOK, <-respCode)
	})

	t.Run("capacity=10, heavy concurrent load", func(t *testing.T) {
		const capacity = 10
		const reqsNum = 50
		const reqDelay = time.Millisecond * 100

		var respOKCount, respRejectedCount, respUnexpectedCount atomic.Int32
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			time.Sleep(reqDelay)
			rw.WriteHeader(http.StatusOK)
		})
		handler := MiddlewareWithOpts(gate.MustNew(capacity), errDomain,
			Opts{AcquireTimeout: time.Millisecond * 10})(next)

		var wg sync.WaitGroup
		for i := 0; i < reqsNum; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req, respRec := makeReqAndRespRec()
				handler.ServeHTTP(respRec, req)
				switch respRec.Code {
				case http.StatusOK:
					respOKCount.Inc()
				case http.StatusServiceUnavailable:
					respRejectedCount.Inc()
				default:
					respUnexpectedCount.Inc()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(0), respUnexpectedCount.Load())
		require.GreaterOrEqual(t, respOKCount.Load(), int32(capacity))
		require.Equal(t, int32(reqsNum), respOKCount.Load()+respRejectedCount.Load())
	})

	t.Run("custom OnReject is called", func(t *testing.T) {
		g := gate.MustNew(1)
		require.True(t, g.TryAcquire())
		defer g.Release()

		onRejectCalled := false
		handler := MiddlewareWithOpts(g, errDomain, Opts{
			AcquireTimeout: time.Millisecond * 10,
			OnReject: func(rw http.ResponseWriter, r *http.Request,
				params Params, next http.Handler, logger log.FieldLogger,
			) {
				onRejectCalled = true
				require.Equal(t, 1, params.Capacity)
				rw.WriteHeader(http.StatusTeapot)
			},
		})(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		}))

		req, respRec := makeReqAndRespRec()
		handler.ServeHTTP(respRec, req)
		require.True(t, onRejectCalled)
		require.Equal(t, http.StatusTeapot, respRec.Code)
	})
}
