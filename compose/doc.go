// Package compose turns a declarative Draft into a ready-to-send message.
// It renders the subject and bodies as templates, so one config file can be
// reused with different data, and it fills in the headers a relay expects.
package compose
