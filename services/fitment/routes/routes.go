// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the fitment service's HTTP endpoints.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vkumar04/BBS-fitment/services/fitment/handlers"
	"github.com/vkumar04/BBS-fitment/services/fitment/middleware"
)

// SetupRoutes registers all endpoints on the router.
//
// # Description
//
// Exposes:
//   - GET /health - liveness probe
//   - GET /metrics - Prometheus scrape endpoint
//   - POST /v1/chat/stream - the streaming chat endpoint, rate limited
//
// # Inputs
//
//	router - Gin engine with global middleware already applied
//	chat - Streaming chat handler
//	health - Health handler
//	limiter - Per-IP rate limiter applied to the chat endpoint only;
//	          probes and scrapes are never limited
func SetupRoutes(
	router *gin.Engine,
	chat handlers.ChatStreamHandler,
	health *handlers.HealthHandler,
	limiter *middleware.RateLimiter,
) {
	router.GET("/health", health.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(limiter.Middleware())
	{
		v1.POST("/chat/stream", chat.HandleChatStream)
	}
}
