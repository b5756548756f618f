package pop3

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

const (
	scriptedTimestamp = "<1896.697170952@dbc.example.com>"
	scriptedUser      = "mrose"
	scriptedPassword  = "secret"
)

type scriptedMessage struct {
	uid string
	raw string
}

var scriptedMailbox = []scriptedMessage{
	{
		uid: "whqtswO00WBw418f9t5JxYwZ",
		raw: "From: ana@example.com\r\n" +
			"Subject: first\r\n" +
			"\r\n" +
			"hello there\r\n" +
			".dots at the start get stuffed\r\n" +
			"last line\r\n",
	},
	{
		uid: "QhdPYR:00WBw1Ph7x7",
		raw: "From: bob@example.com\r\n" +
			"Subject: second\r\n" +
			"\r\n" +
			"short body\r\n",
	},
}

// startScriptedServer runs a minimal POP3 server on loopback backed by
// scriptedMailbox. Every accepted connection gets its own deletion
// state, so tests can dial as many sessions as they need.
func startScriptedServer(t *testing.T) (string, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create scripted server: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveScripted(conn)
		}
	}()

	return "127.0.0.1", listener.Addr().(*net.TCPAddr).Port
}

func serveScripted(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	sendLine := func(line string) {
		writer.WriteString(line + "\r\n")
		writer.Flush()
	}
	sendMulti := func(status string, lines []string) {
		writer.WriteString(status + "\r\n")
		for _, line := range lines {
			if strings.HasPrefix(line, ".") {
				writer.WriteString(".")
			}
			writer.WriteString(line + "\r\n")
		}
		writer.WriteString(".\r\n")
		writer.Flush()
	}
	readLine := func() (string, bool) {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimRight(line, "\r\n"), true
	}
	messageLines := func(m scriptedMessage) []string {
		return strings.Split(strings.TrimSuffix(m.raw, "\r\n"), "\r\n")
	}

	deleted := make(map[int]bool)
	pendingUser := ""
	validNumber := func(arg string) (int, bool) {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > len(scriptedMailbox) || deleted[n] {
			return 0, false
		}
		return n, true
	}

	sendLine("+OK POP3 scripted server ready " + scriptedTimestamp)

	for {
		line, ok := readLine()
		if !ok {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			sendLine("-ERR empty command")
			continue
		}
		verb := strings.ToUpper(fields[0])
		args := fields[1:]

		switch verb {
		case "USER":
			if len(args) != 1 {
				sendLine("-ERR usage: USER name")
				continue
			}
			pendingUser = args[0]
			sendLine("+OK name is a valid mailbox")

		case "PASS":
			if pendingUser == scriptedUser && len(args) == 1 && args[0] == scriptedPassword {
				sendLine("+OK maildrop locked and ready")
			} else {
				sendLine("-ERR invalid password")
			}

		case "APOP":
			sum := md5.Sum([]byte(scriptedTimestamp + scriptedPassword))
			if len(args) == 2 && args[0] == scriptedUser && args[1] == hex.EncodeToString(sum[:]) {
				sendLine("+OK maildrop locked and ready")
			} else {
				sendLine("-ERR permission denied")
			}

		case "AUTH":
			serveScriptedAuth(args, sendLine, readLine)

		case "STAT":
			count, size := 0, 0
			for i, m := range scriptedMailbox {
				if !deleted[i+1] {
					count++
					size += len(m.raw)
				}
			}
			sendLine(fmt.Sprintf("+OK %d %d", count, size))

		case "LIST":
			if len(args) > 0 {
				n, ok := validNumber(args[0])
				if !ok {
					sendLine("-ERR no such message")
					continue
				}
				sendLine(fmt.Sprintf("+OK %d %d", n, len(scriptedMailbox[n-1].raw)))
				continue
			}
			var rows []string
			for i, m := range scriptedMailbox {
				if !deleted[i+1] {
					rows = append(rows, fmt.Sprintf("%d %d", i+1, len(m.raw)))
				}
			}
			sendMulti("+OK scan listing follows", rows)

		case "UIDL":
			if len(args) > 0 {
				n, ok := validNumber(args[0])
				if !ok {
					sendLine("-ERR no such message")
					continue
				}
				sendLine(fmt.Sprintf("+OK %d %s", n, scriptedMailbox[n-1].uid))
				continue
			}
			var rows []string
			for i, m := range scriptedMailbox {
				if !deleted[i+1] {
					rows = append(rows, fmt.Sprintf("%d %s", i+1, m.uid))
				}
			}
			sendMulti("+OK unique-id listing follows", rows)

		case "RETR":
			if len(args) != 1 {
				sendLine("-ERR usage: RETR msg")
				continue
			}
			n, ok := validNumber(args[0])
			if !ok {
				sendLine("-ERR no such message")
				continue
			}
			m := scriptedMailbox[n-1]
			sendMulti(fmt.Sprintf("+OK %d octets", len(m.raw)), messageLines(m))

		case "TOP":
			if len(args) != 2 {
				sendLine("-ERR usage: TOP msg n")
				continue
			}
			n, ok := validNumber(args[0])
			count, err := strconv.Atoi(args[1])
			if !ok || err != nil || count < 0 {
				sendLine("-ERR no such message")
				continue
			}
			lines := messageLines(scriptedMailbox[n-1])
			sep := len(lines)
			for i, l := range lines {
				if l == "" {
					sep = i
					break
				}
			}
			out := append([]string(nil), lines[:sep+1]...)
			body := lines[sep+1:]
			if count < len(body) {
				body = body[:count]
			}
			sendMulti("+OK top of message follows", append(out, body...))

		case "DELE":
			if len(args) != 1 {
				sendLine("-ERR usage: DELE msg")
				continue
			}
			n, ok := validNumber(args[0])
			if !ok {
				sendLine("-ERR no such message")
				continue
			}
			deleted[n] = true
			sendLine(fmt.Sprintf("+OK message %d deleted", n))

		case "NOOP":
			sendLine("+OK")

		case "RSET":
			deleted = make(map[int]bool)
			sendLine(fmt.Sprintf("+OK maildrop has %d messages", len(scriptedMailbox)))

		case "CAPA":
			sendMulti("+OK capability list follows", []string{"TOP", "UIDL", "USER", "SASL PLAIN", "IMPLEMENTATION scripted"})

		case "QUIT":
			sendLine("+OK scripted POP3 server signing off")
			return

		default:
			sendLine("-ERR unrecognized command")
		}
	}
}

func serveScriptedAuth(args []string, sendLine func(string), readLine func() (string, bool)) {
	if len(args) == 0 {
		sendLine("-ERR missing mechanism")
		return
	}
	mech := strings.ToUpper(args[0])
	initial := ""
	hasInitial := len(args) > 1
	if hasInitial {
		initial = args[1]
	}

	checkPlain := func(payload string) bool {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return false
		}
		parts := strings.Split(string(decoded), "\x00")
		return len(parts) == 3 && parts[1] == scriptedUser && parts[2] == scriptedPassword
	}

	switch mech {
	case "PLAIN":
		payload := initial
		if !hasInitial {
			sendLine("+ ")
			resp, ok := readLine()
			if !ok {
				return
			}
			if resp == "*" {
				sendLine("-ERR authentication aborted")
				return
			}
			payload = resp
		}
		if checkPlain(payload) {
			sendLine("+OK maildrop locked and ready")
		} else {
			sendLine("-ERR invalid credentials")
		}

	case "XTEST":
		// One challenge round: the client must echo the decoded
		// challenge back with an "echo:" prefix.
		sendLine("+ " + base64.StdEncoding.EncodeToString([]byte("rising tide")))
		resp, ok := readLine()
		if !ok {
			return
		}
		if resp == "*" {
			sendLine("-ERR authentication aborted")
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(resp)
		if err == nil && string(decoded) == "echo:rising tide" {
			sendLine("+OK authenticated")
		} else {
			sendLine("-ERR wrong challenge response")
		}

	case "XEMPTY":
		// RFC 5034 §4: a zero-length initial response is sent as "=".
		if hasInitial && initial == "=" {
			sendLine("+OK empty initial response accepted")
		} else {
			sendLine("-ERR expected empty initial response")
		}

	default:
		sendLine("-ERR unsupported mechanism")
	}
}

func dialScripted(t *testing.T, host string, port int) *Session {
	t.Helper()
	client := NewClient(ClientOptions{Plaintext: true})
	session, err := client.Dial(context.Background(), host, port, 5*time.Second, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() {
		if session.State() == StateUninitialized {
			return
		}
		if fut, err := session.Disconnect(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			fut.Await(ctx)
		}
	})
	return session
}

func TestClientDial(t *testing.T) {
	host, port := startScriptedServer(t)
	session := dialScripted(t, host, port)

	if got := session.State(); got != StateConnected {
		t.Errorf("state after Dial = %v, want connected", got)
	}
	if banner := session.Banner(); !strings.Contains(banner, scriptedTimestamp) {
		t.Errorf("Banner() = %q, want it to carry the msg-id timestamp", banner)
	}
}

func TestClientDialErrGreeting(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "-ERR maildrop busy, try later\r\n")
		// Wait for the client to hang up.
		bufio.NewReader(conn).ReadString('\n')
	}()

	client := NewClient(ClientOptions{Plaintext: true})
	_, err = client.Dial(context.Background(), "127.0.0.1", listener.Addr().(*net.TCPAddr).Port, 5*time.Second, 0)
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("Dial error = %v, want *ServerError", err)
	}
	if srvErr.Verb != "greeting" || srvErr.Message != "maildrop busy, try later" {
		t.Errorf("unexpected ServerError: %+v", srvErr)
	}
}

func TestClientDialRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	client := NewClient(ClientOptions{Plaintext: true})
	_, err = client.Dial(context.Background(), "127.0.0.1", port, 2*time.Second, 0)
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("Dial error = %v, want *ConnectError", err)
	}
}

func TestClientSessionFlow(t *testing.T) {
	host, port := startScriptedServer(t)
	session := dialScripted(t, host, port)
	ctx := context.Background()

	if err := session.Login(ctx, scriptedUser, scriptedPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	totalSize := int64(len(scriptedMailbox[0].raw) + len(scriptedMailbox[1].raw))
	stat, err := session.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if stat.Count != 2 || stat.Size != totalSize {
		t.Errorf("Stat = %+v, want {2 %d}", stat, totalSize)
	}

	listings, err := session.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(listings) != 2 || listings[0].Number != 1 || listings[0].Size != int64(len(scriptedMailbox[0].raw)) {
		t.Errorf("ListAll = %+v", listings)
	}

	single, err := session.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if single.Number != 2 || single.Size != int64(len(scriptedMailbox[1].raw)) {
		t.Errorf("List(2) = %+v", single)
	}

	uids, err := session.UidlAll(ctx)
	if err != nil {
		t.Fatalf("UidlAll failed: %v", err)
	}
	if len(uids) != 2 || uids[0].UID != scriptedMailbox[0].uid || uids[1].UID != scriptedMailbox[1].uid {
		t.Errorf("UidlAll = %+v", uids)
	}

	uid, err := session.Uidl(ctx, 1)
	if err != nil {
		t.Fatalf("Uidl failed: %v", err)
	}
	if uid.UID != scriptedMailbox[0].uid {
		t.Errorf("Uidl(1) = %+v", uid)
	}

	// The byte-stuffed line must round-trip back to the original.
	raw, err := session.Retr(ctx, 1)
	if err != nil {
		t.Fatalf("Retr failed: %v", err)
	}
	if string(raw) != scriptedMailbox[0].raw {
		t.Errorf("Retr(1) = %q, want %q", raw, scriptedMailbox[0].raw)
	}

	entity, err := session.RetrEntity(ctx, 2)
	if err != nil {
		t.Fatalf("RetrEntity failed: %v", err)
	}
	if subject := entity.Header.Get("Subject"); subject != "second" {
		t.Errorf("parsed Subject = %q, want %q", subject, "second")
	}

	top, err := session.Top(ctx, 1, 1)
	if err != nil {
		t.Fatalf("Top failed: %v", err)
	}
	wantTop := "From: ana@example.com\r\nSubject: first\r\n\r\nhello there\r\n"
	if string(top) != wantTop {
		t.Errorf("Top(1, 1) = %q, want %q", top, wantTop)
	}

	caps, err := session.Capa(ctx)
	if err != nil {
		t.Fatalf("Capa failed: %v", err)
	}
	found := false
	for _, c := range caps {
		if c == "UIDL" {
			found = true
		}
	}
	if !found {
		t.Errorf("Capa = %v, want UIDL listed", caps)
	}

	if err := session.Dele(ctx, 2); err != nil {
		t.Fatalf("Dele failed: %v", err)
	}
	stat, err = session.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat after Dele failed: %v", err)
	}
	if stat.Count != 1 {
		t.Errorf("Stat after Dele = %+v, want one message left", stat)
	}

	_, err = session.Retr(ctx, 2)
	var srvErr *ServerError
	if !errors.As(err, &srvErr) || srvErr.Verb != "RETR" {
		t.Errorf("Retr of deleted message error = %v, want RETR *ServerError", err)
	}

	if err := session.Rset(ctx); err != nil {
		t.Fatalf("Rset failed: %v", err)
	}
	stat, err = session.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat after Rset failed: %v", err)
	}
	if stat.Count != 2 {
		t.Errorf("Stat after Rset = %+v, want both messages back", stat)
	}

	if err := session.Noop(ctx); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}

	if err := session.Quit(ctx); err != nil {
		t.Fatalf("Quit failed: %v", err)
	}
	if got := session.State(); got != StateUninitialized {
		t.Errorf("state after Quit = %v, want uninitialized", got)
	}
}

func TestClientLoginBadPassword(t *testing.T) {
	host, port := startScriptedServer(t)
	session := dialScripted(t, host, port)

	err := session.Login(context.Background(), scriptedUser, "wrong")
	var srvErr *ServerError
	if !errors.As(err, &srvErr) || srvErr.Verb != "PASS" {
		t.Errorf("Login error = %v, want PASS *ServerError", err)
	}
}

func TestClientLoginAPOP(t *testing.T) {
	host, port := startScriptedServer(t)

	session := dialScripted(t, host, port)
	if err := session.LoginAPOP(context.Background(), scriptedUser, scriptedPassword); err != nil {
		t.Fatalf("LoginAPOP failed: %v", err)
	}
	if err := session.Quit(context.Background()); err != nil {
		t.Fatalf("Quit failed: %v", err)
	}

	// A wrong secret yields a different digest and the server rejects.
	session = dialScripted(t, host, port)
	err := session.LoginAPOP(context.Background(), scriptedUser, "wrong")
	var srvErr *ServerError
	if !errors.As(err, &srvErr) || srvErr.Verb != "APOP" {
		t.Errorf("LoginAPOP error = %v, want APOP *ServerError", err)
	}
}

func TestClientResponseLineTooLong(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writer := bufio.NewWriter(conn)
		writer.WriteString("+OK tiny server\r\n")
		writer.Flush()
		reader := bufio.NewReader(conn)
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}
		writer.WriteString("+OK " + strings.Repeat("x", 4096) + "\r\n")
		writer.Flush()
		// Hold the connection; the client tears down on its own.
		reader.ReadString('\n')
	}()

	client := NewClient(ClientOptions{Plaintext: true, MaxLineLength: 256})
	session, err := client.Dial(context.Background(), "127.0.0.1", listener.Addr().(*net.TCPAddr).Port, 5*time.Second, 0)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	_, err = session.Stat(context.Background())
	if !errors.Is(err, ErrLineTooLong) {
		t.Errorf("Stat error = %v, want ErrLineTooLong", err)
	}
	if got := session.State(); got != StateUninitialized {
		t.Errorf("state after oversized line = %v, want uninitialized", got)
	}
}
