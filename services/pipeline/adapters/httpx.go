// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// MaxResponseBytes bounds how much of a remote response body an HTTP
// adapter reads.
const MaxResponseBytes = 10 << 20

// DeadlineAllows reports whether the context's deadline leaves room to
// sit out wait and still do useful work. No deadline allows any wait.
func DeadlineAllows(ctx context.Context, wait time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > wait
}

// RetryAfterHeader parses a Retry-After delay given in seconds. Zero
// when the header is absent or not a positive integer.
func RetryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
