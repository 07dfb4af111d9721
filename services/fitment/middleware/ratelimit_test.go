// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return router
}

func doPing(router *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	router := newLimitedRouter(NewRateLimiter(1, 3))

	for i := 0; i < 3; i++ {
		w := doPing(router, "10.0.0.1:1234")
		assert.Equal(t, http.StatusOK, w.Code, "request %d within burst", i+1)
	}

	w := doPing(router, "10.0.0.1:1234")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestRateLimiter_ClientsLimitedIndependently(t *testing.T) {
	router := newLimitedRouter(NewRateLimiter(1, 1))

	assert.Equal(t, http.StatusOK, doPing(router, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, doPing(router, "10.0.0.1:1234").Code)

	// A different IP has its own bucket
	assert.Equal(t, http.StatusOK, doPing(router, "10.0.0.2:1234").Code)
}

func TestRateLimiter_RejectedRequestDoesNotReachHandler(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	gin.SetMode(gin.TestMode)

	handlerCalls := 0
	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/ping", func(c *gin.Context) {
		handlerCalls++
		c.Status(http.StatusOK)
	})

	doPing(router, "10.0.0.1:1234")
	doPing(router, "10.0.0.1:1234")

	assert.Equal(t, 1, handlerCalls)
}
