// Package agent provides a Go client for the agent server's chat protocol.
//
// The package covers the two inbound surfaces the sync engine consumes: the
// per-request response stream returned by SendMessage, and the long-lived
// server-push event channel returned by SubscribeToEvents, plus the catch-up
// fetch used to replay events missed during a disconnect.
//
// Example usage:
//
//	client := agent.NewClient("http://localhost:8000")
//
//	session, err := client.CreateSession(ctx, &agent.CreateSessionRequest{
//	    Title: agent.String("My Session"),
//	})
//
//	stream, err := client.SendMessage(ctx, session.ID, &agent.PromptRequest{
//	    Parts: []interface{}{
//	        agent.TextPartInput{Type: "text", Text: "Hello!"},
//	    },
//	})
//	for event := range stream.Events() {
//	    // Handle streaming events
//	}
package agent

import "time"

// Now returns the current time as a Unix timestamp (float64 seconds).
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
