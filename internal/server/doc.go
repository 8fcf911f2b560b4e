// Package server exposes the relay over HTTP and websocket using fiber.
//
// Routes:
//
//	GET  /messages  full history, ascending by id
//	POST /messages  fallback submission, answered with the stored record
//	GET  /ws        persistent channel ("sendMessage" in, "message" out)
//	GET  /healthz   liveness and connected client count
package server
