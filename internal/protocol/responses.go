package protocol

import (
	"encoding/json"
	"io"
	"strconv"
)

// FormatOK formats a success response carrying payload.
func FormatOK(payload []byte) []byte {
	return format(StatusOK, payload)
}

// FormatJSON marshals v and formats it as a success response.
func FormatJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return FormatOK(data), nil
}

// FormatError formats a structured error response.
func FormatError(class, message string) []byte {
	data, err := json.Marshal(errorPayload{Class: class, Message: message})
	if err != nil {
		// Strings always marshal; fall back to the bare message anyway.
		data = []byte(message)
	}
	return format(StatusError, data)
}

// FormatRawError formats an error response with an unstructured message.
func FormatRawError(message string) []byte {
	return format(StatusError, []byte(message))
}

func format(status string, payload []byte) []byte {
	header := status + "\n" + strconv.Itoa(len(payload)) + "\n"
	result := make([]byte, len(header)+len(payload))
	copy(result, header)
	copy(result[len(header):], payload)
	return result
}

// ResponseWriter writes responses from the engine side of a connection.
type ResponseWriter struct {
	w io.Writer
}

// NewResponseWriter creates a new response writer.
func NewResponseWriter(w io.Writer) *ResponseWriter {
	return &ResponseWriter{w: w}
}

// WriteOK writes a success response.
func (w *ResponseWriter) WriteOK(payload []byte) error {
	_, err := w.w.Write(FormatOK(payload))
	return err
}

// WriteString writes a success response with a text payload.
func (w *ResponseWriter) WriteString(s string) error {
	return w.WriteOK([]byte(s))
}

// WriteJSON writes a success response with v encoded as JSON.
func (w *ResponseWriter) WriteJSON(v any) error {
	data, err := FormatJSON(v)
	if err != nil {
		return err
	}
	_, err = w.w.Write(data)
	return err
}

// WriteError writes a structured error response.
func (w *ResponseWriter) WriteError(class, message string) error {
	_, err := w.w.Write(FormatError(class, message))
	return err
}
