// Package pop3 implements a POP3 (Post Office Protocol version 3)
// client.
//
// This package provides an asynchronous POP3 client with:
//   - RFC 1939 POP3 core protocol
//   - RFC 5034 POP3 SASL authentication
//   - APOP digest authentication
//   - UIDL (Unique ID Listing) support
//   - TOP command for message previews
//   - Implicit TLS (POP3S) connections
//
// # Session Model
//
// A Session drives one connection with at most one command in flight.
// Submitting work returns a Future; the reply, when it arrives, is
// delivered through it:
//
//	client := pop3.NewClient(pop3.ClientOptions{})
//	session, err := client.Dial(ctx, "pop.example.com", 995, 5*time.Second, 30*time.Second)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fut, err := session.Execute(pop3.NewCommand(pop3.CommandStat))
//	if err != nil {
//		log.Fatal(err)
//	}
//	resp, err := fut.Await(ctx)
//
// # Session States
//
//	uninitialized → command-in-flight (greeting) → connected ⇄ command-in-flight
//
// Every route out of a live connection (disconnect, inactivity
// timeout, connection loss) returns to uninitialized, from where the
// same session may connect again.
//
// # Typed Operations
//
// The raw Execute surface resolves every completed reply as a value,
// -ERR included. The typed helpers (Login, Stat, ListAll, Retr, Dele,
// Quit and friends) wait for the reply and convert -ERR into a
// *ServerError, which is what most callers want:
//
//	stat, err := session.Stat(ctx)
//	raw, err := session.Retr(ctx, 1)
//
// # Single Command Slot
//
// POP3 has no pipelining: a second Execute while one command is in
// flight fails immediately with ErrInvalidState rather than queueing.
// Callers that want sequencing get it by waiting on the future before
// submitting the next command.
package pop3
