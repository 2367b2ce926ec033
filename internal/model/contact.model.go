package model

import (
	"fmt"
	"time"
)

type Contact struct {
	ID           string         `json:"id"`
	PhoneNumber  string         `json:"phone_number"`
	FirstName    string         `json:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty"`
	Company      string         `json:"company,omitempty"`
	Email        string         `json:"email,omitempty"`
	Status       string         `json:"status,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Fields flattens the contact for template rendering. Custom fields never
// shadow the built-in columns.
func (c *Contact) Fields() map[string]string {
	out := make(map[string]string, len(c.CustomFields)+6)
	for k, v := range c.CustomFields {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	builtin := map[string]string{
		"first_name":   c.FirstName,
		"last_name":    c.LastName,
		"company":      c.Company,
		"email":        c.Email,
		"phone_number": c.PhoneNumber,
	}
	for k, v := range builtin {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
