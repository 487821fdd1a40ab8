// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// InputValidator validates network input data and prevents protocol vulnerabilities.
type InputValidator struct{}

// newInputValidator creates a new input validator for network input data.
func newInputValidator() *InputValidator {
	return &InputValidator{}
}

// maxTicketPassword is the longest password a 1024-bit OAEP-SHA1 ticket can
// carry, less the trailing NUL.
const maxTicketPassword = 85

// ValidatePassword checks that a password fits into a ticket.
func (iv *InputValidator) ValidatePassword(password string) error {
	if len(password) > maxTicketPassword {
		return validationError("InputValidator.ValidatePassword",
			fmt.Sprintf("password length %d exceeds maximum %d", len(password), maxTicketPassword), nil)
	}
	if strings.IndexByte(password, 0) >= 0 {
		return validationError("InputValidator.ValidatePassword",
			"password cannot contain NUL bytes", nil)
	}
	return nil
}

// ValidateSurfaceDimensions validates surface dimensions.
func (iv *InputValidator) ValidateSurfaceDimensions(width, height uint32) error {
	if width == 0 || height == 0 {
		return validationError("InputValidator.ValidateSurfaceDimensions",
			"surface dimensions cannot be zero", nil)
	}

	const maxDimension = 16384
	if width > maxDimension || height > maxDimension {
		return validationError("InputValidator.ValidateSurfaceDimensions",
			fmt.Sprintf("surface dimensions too large: %dx%d (max %d)",
				width, height, maxDimension), nil)
	}

	return nil
}

// ValidateSurfaceFormat accepts the two 32-bit formats surfaces can be drawn in.
func (iv *InputValidator) ValidateSurfaceFormat(format SurfaceFormat) error {
	switch format {
	case SurfaceFormat32xRGB, SurfaceFormat32ARGB:
		return nil
	default:
		return unsupportedError("InputValidator.ValidateSurfaceFormat",
			fmt.Sprintf("unsupported surface format %d", format), nil)
	}
}

// ValidateRect validates a rectangle against surface bounds.
func (iv *InputValidator) ValidateRect(r Rect, width, height int) error {
	if r.Right < r.Left || r.Bottom < r.Top {
		return validationError("InputValidator.ValidateRect",
			fmt.Sprintf("rectangle (%d,%d,%d,%d) is inverted", r.Left, r.Top, r.Right, r.Bottom), nil)
	}
	if r.Left < 0 || r.Top < 0 || int(r.Right) > width || int(r.Bottom) > height {
		return validationError("InputValidator.ValidateRect",
			fmt.Sprintf("rectangle (%d,%d,%d,%d) exceeds surface bounds (%d,%d)",
				r.Left, r.Top, r.Right, r.Bottom, width, height), nil)
	}
	return nil
}

// ValidateMessageLength validates message length fields to prevent overflow.
func (iv *InputValidator) ValidateMessageLength(length uint32, maxLength uint32) error {
	if length == 0 {
		return validationError("InputValidator.ValidateMessageLength",
			"message length cannot be zero", nil)
	}

	if length > maxLength {
		return validationError("InputValidator.ValidateMessageLength",
			fmt.Sprintf("message length %d exceeds maximum %d", length, maxLength), nil)
	}

	return nil
}

// ValidateTextData validates text received from the server or the agent.
func (iv *InputValidator) ValidateTextData(text string, maxLength int) error {
	if len(text) > maxLength {
		return validationError("InputValidator.ValidateTextData",
			fmt.Sprintf("text length %d exceeds maximum %d", len(text), maxLength), nil)
	}

	if !utf8.ValidString(text) {
		return validationError("InputValidator.ValidateTextData",
			"text contains invalid UTF-8 sequences", nil)
	}

	for i, char := range text {
		if char < 32 && char != '\t' && char != '\n' && char != '\r' {
			return validationError("InputValidator.ValidateTextData",
				fmt.Sprintf("text contains invalid control character at position %d", i), nil)
		}
	}

	return nil
}

// ValidateFileName checks a name offered for file transfer to the guest.
func (iv *InputValidator) ValidateFileName(name string) error {
	if name == "" {
		return validationError("InputValidator.ValidateFileName", "file name cannot be empty", nil)
	}
	if strings.ContainsAny(name, "/\\\n\x00") {
		return validationError("InputValidator.ValidateFileName",
			fmt.Sprintf("file name %q contains a separator or control character", name), nil)
	}
	return iv.ValidateTextData(name, 255)
}

// SanitizeText replaces control and unprintable characters.
func (iv *InputValidator) SanitizeText(text string) string {
	if text == "" {
		return text
	}

	runes := []rune(text)
	sanitized := make([]rune, 0, len(runes))

	for _, r := range runes {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			sanitized = append(sanitized, r)
		case r < 32:
			sanitized = append(sanitized, ' ')
		case unicode.IsPrint(r):
			sanitized = append(sanitized, r)
		default:
			sanitized = append(sanitized, '\uFFFD')
		}
	}

	return string(sanitized)
}
