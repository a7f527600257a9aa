// Copyright 2025 The Trendwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
)

// DefaultIdempotencyTTL is how long a replayed response stays cached.
const DefaultIdempotencyTTL = 24 * time.Hour

// idempotencyKeyHeader carries the client-chosen key.
const idempotencyKeyHeader = "Idempotency-Key"

type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// recordingWriter buffers the response so it can be stored for replay.
type recordingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// idempotency replays the stored response for a repeated Idempotency-Key
// instead of re-executing the mutation. Requests without the header pass
// through, as does everything when no cache store is configured. A cache
// outage degrades to at-least-once; it never blocks the mutation.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyKeyHeader)
		if key == "" || s.cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		cacheKey := "idem:" + r.Method + ":" + r.URL.Path + ":" + key

		if raw, ok, err := s.cache.Get(r.Context(), cacheKey); err != nil {
			level.Warn(s.logger).Log("msg", "idempotency lookup failed", "key", key, "err", err)
		} else if ok {
			var cached cachedResponse
			if json.Unmarshal([]byte(raw), &cached) == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Only successful outcomes are replayable; a failed mutation may be
		// retried with the same key.
		if rec.status >= 200 && rec.status < 300 {
			payload, err := json.Marshal(cachedResponse{Status: rec.status, Body: rec.buf.Bytes()})
			if err == nil {
				err = s.cache.SetEx(r.Context(), cacheKey, string(payload), s.opts.IdempotencyTTL)
			}
			if err != nil {
				level.Warn(s.logger).Log("msg", "idempotency store failed", "key", key, "err", err)
			}
		}
	})
}
