// Package push renders push messages as notifications and handles notification clicks.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Data struct {
	URL string `json:"url" yaml:"url"`
}

// Payload is the notification shown for a push message.
type Payload struct {
	Title              string `json:"title" yaml:"title"`
	Body               string `json:"body" yaml:"body"`
	Icon               string `json:"icon" yaml:"icon"`
	Badge              string `json:"badge" yaml:"badge"`
	Tag                string `json:"tag" yaml:"tag"`
	RequireInteraction bool   `json:"requireInteraction" yaml:"requireInteraction"`
	Data               Data   `json:"data" yaml:"data"`
}

func DefaultPayload() Payload {
	return Payload{
		Title: "Climbing club",
		Body:  "New photos have been added",
		Icon:  "/static/icons/icon-192.png",
		Badge: "/static/icons/badge-72.png",
		Tag:   "album-update",
		Data:  Data{URL: "/"},
	}
}

// Parse merges a push message onto the defaults, field by field.
// Empty data yields the defaults. If the data is not valid JSON,
// the defaults are returned along with the error. Fields of the wrong type
// keep their defaults, the others are merged and the error is returned.
func Parse(data []byte, defaults Payload) (Payload, error) {
	if len(data) == 0 {
		return defaults, nil
	}
	payload := defaults
	if err := json.Unmarshal(data, &payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return payload, fmt.Errorf("parse push payload: %w", err)
		}
		return defaults, fmt.Errorf("parse push payload: %w", err)
	}
	return payload, nil
}
