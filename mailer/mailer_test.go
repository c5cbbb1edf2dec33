package mailer_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-civic/mailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	infos  []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func TestDispatcherSwallowsSendErrors(t *testing.T) {
	logger := &recordingLogger{}
	failing := mailer.MailerFunc(func(context.Context, mailer.Message) error {
		return errors.New("smtp down")
	})

	d := mailer.NewDispatcher(failing, logger)
	d.Dispatch(context.Background(), mailer.Message{To: "a@example.com", Subject: "hi"})
	require.NoError(t, d.Wait(context.Background()))

	require.Len(t, logger.errors, 1)
	assert.Equal(t, "email dispatch failed", logger.errors[0])
}

func TestDispatcherOutlivesRequestContext(t *testing.T) {
	var got mailer.Message
	var ctxErr error
	m := mailer.MailerFunc(func(ctx context.Context, msg mailer.Message) error {
		time.Sleep(10 * time.Millisecond)
		ctxErr = ctx.Err()
		got = msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := mailer.NewDispatcher(m, &recordingLogger{})
	d.Dispatch(ctx, mailer.Message{To: "b@example.com"})
	cancel()
	require.NoError(t, d.Wait(context.Background()))

	assert.NoError(t, ctxErr)
	assert.Equal(t, "b@example.com", got.To)
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	logger := &recordingLogger{}
	m := mailer.MailerFunc(func(context.Context, mailer.Message) error {
		panic("boom")
	})

	d := mailer.NewDispatcher(m, logger)
	d.Dispatch(context.Background(), mailer.Message{To: "c@example.com"})
	require.NoError(t, d.Wait(context.Background()))

	require.Len(t, logger.errors, 1)
	assert.Equal(t, "email dispatch panic", logger.errors[0])
}

func TestLogMailerWritesMessage(t *testing.T) {
	logger := &recordingLogger{}
	err := mailer.LogMailer{Logger: logger}.Send(context.Background(), mailer.Message{To: "d@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, logger.infos)
}

func TestDispatcherWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	m := mailer.MailerFunc(func(context.Context, mailer.Message) error {
		<-release
		return nil
	})

	d := mailer.NewDispatcher(m, &recordingLogger{})
	d.Dispatch(context.Background(), mailer.Message{To: "e@example.com"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}

// listen starts a TCP server on a random port and hands each connection
// to serve. It returns the SMTP config pointing at it.
func listen(t *testing.T, serve func(net.Conn)) mailer.SMTPConfig {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return mailer.SMTPConfig{
		Host: "127.0.0.1",
		Port: addr.Port,
		From: "no-reply@civic.local",
	}
}

func TestSMTPMailerStopsAtSendTimeout(t *testing.T) {
	conns := make(chan net.Conn, 1)
	cfg := listen(t, func(conn net.Conn) {
		// accept and never greet
		conns <- conn
	})
	t.Cleanup(func() {
		select {
		case conn := <-conns:
			_ = conn.Close()
		default:
		}
	})

	logger := &recordingLogger{}
	d := mailer.NewDispatcher(mailer.NewSMTPMailer(cfg), logger, mailer.WithSendTimeout(200*time.Millisecond))

	started := time.Now()
	d.Dispatch(context.Background(), mailer.Message{To: "f@example.com", Subject: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, d.Wait(ctx))
	assert.Less(t, time.Since(started), 2*time.Second)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.errors, 1)
	assert.Equal(t, "email dispatch failed", logger.errors[0])
}

func TestSMTPMailerDeliversMessage(t *testing.T) {
	received := make(chan string, 1)
	cfg := listen(t, func(conn net.Conn) {
		defer conn.Close()
		tp := textproto.NewConn(conn)

		reply := func(line string) { _ = tp.PrintfLine("%s", line) }
		reply("220 localhost ESMTP")

		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0]); cmd {
			case "EHLO":
				reply("250-localhost")
				reply("250 8BITMIME")
			case "MAIL", "RCPT":
				reply("250 OK")
			case "DATA":
				reply("354 go ahead")
				body, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				received <- string(body)
				reply("250 OK")
			case "QUIT":
				reply("221 bye")
				return
			default:
				reply("502 not implemented")
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := mailer.NewSMTPMailer(cfg).Send(ctx, mailer.Message{
		To:      "g@example.com",
		Subject: "Verify your email",
		Text:    "hello",
	})
	require.NoError(t, err)

	select {
	case body := <-received:
		msg := bufio.NewReader(strings.NewReader(body))
		header, err := textproto.NewReader(msg).ReadMIMEHeader()
		require.NoError(t, err)
		assert.Equal(t, "g@example.com", header.Get("To"))
		assert.Equal(t, "Verify your email", header.Get("Subject"))
		assert.Contains(t, body, "hello")
	case <-time.After(time.Second):
		t.Fatal("message never reached the server")
	}
}

func TestSMTPMailerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mailer.NewSMTPMailer(mailer.SMTPConfig{Host: "127.0.0.1", Port: 1}).Send(ctx, mailer.Message{To: "h@example.com"})
	assert.ErrorIs(t, err, context.Canceled)
}
