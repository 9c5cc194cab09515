// Package httpapi provides the shared JSON response envelope.
//
// Every endpoint answers {success: bool, data?, error?}; error carries a
// stable machine code plus a human message.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK writes a 200 envelope.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// Created writes a 201 envelope.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

// Fail writes an error envelope with the given status.
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": ErrorBody{Code: code, Message: message}})
}
