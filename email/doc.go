// Package email is responsible for handing a fully formed message to an SMTP
// relay: connecting to the server, negotiating TLS, authenticating and
// sending. It does not build or inspect message content beyond the envelope
// headers it needs, and it reports delivery outcomes as a Result rather than
// letting transport errors escape from the send step.
package email
