// Command collabtext-client is a reference client exercising the sync
// protocol end to end: it joins a document, mirrors every remote update
// into a local CRDT engine, and lets the operator retype the whole buffer
// from stdin to produce local edits. It reconnects with exponential
// backoff on any connection loss, per spec §6.1.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
	"collabtext/internal/transport"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8081/ws", "sync server websocket address")
	token := flag.String("token", "", "bearer token minted by the auth provider")
	documentID := flag.Int64("document", 1, "document id to join")
	flag.Parse()

	if *token == "" {
		log.Fatal("-token is required")
	}

	clientID := uuid.NewString()
	engine, err := crdt.New()
	if err != nil {
		log.Fatalf("new crdt engine: %v", err)
	}

	lines := make(chan string, 16)
	go readStdin(lines)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(exp, 5)
	for {
		if err := runSession(*addr, *token, *documentID, clientID, engine, lines); err != nil {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				log.Fatalf("giving up after repeated connection failures: %v", err)
			}
			log.Printf("connection lost, reconnecting in %s: %v", wait, err)
			time.Sleep(wait)
			continue
		}
		b.Reset()
	}
}

func readStdin(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
}

func runSession(addr, token string, documentID int64, clientID string, engine *crdt.Engine, lines <-chan string) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c := transport.NewWebsocketConn(conn)
	defer c.Close()

	join, err := protocol.Encode(protocol.KindJoinRoom, protocol.JoinRoom{
		DocumentId: documentID, ClientId: clientID, Token: token,
	})
	if err != nil {
		return fmt.Errorf("encode join_room: %w", err)
	}
	if err := c.WriteMessage(join); err != nil {
		return fmt.Errorf("send join_room: %w", err)
	}

	errCh := make(chan error, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go readLoop(c, engine, errCh)
	go writeLoop(ctx, c, engine, lines, errCh)

	return <-errCh
}

func readLoop(c transport.Conn, engine *crdt.Engine, errCh chan<- error) {
	for {
		raw, err := c.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("read: %w", err)
			return
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			log.Printf("malformed frame: %v", err)
			continue
		}

		switch env.Kind {
		case protocol.KindRoomJoined:
			var joined protocol.RoomJoined
			if err := protocol.DecodePayload(env, &joined); err != nil {
				log.Printf("malformed room_joined: %v", err)
				continue
			}
			if len(joined.DocState) > 0 {
				if err := engine.ReplaceState(joined.DocState); err != nil {
					log.Printf("failed to load server state: %v", err)
				}
			}
			printText(engine)
		case protocol.KindUpdate:
			var upd protocol.Update
			if err := protocol.DecodePayload(env, &upd); err != nil {
				log.Printf("malformed update: %v", err)
				continue
			}
			if err := engine.ApplyUpdate(upd.Update); err != nil {
				log.Printf("discarding unapplyable update: %v", err)
				continue
			}
			printText(engine)
		case protocol.KindSyncStep2:
			var step2 protocol.SyncStep2
			if err := protocol.DecodePayload(env, &step2); err != nil {
				log.Printf("malformed sync_step2: %v", err)
				continue
			}
			changes, err := crdt.DecodeDiff(step2.Update)
			if err != nil {
				log.Printf("malformed diff envelope: %v", err)
				continue
			}
			for _, change := range changes {
				if err := engine.ApplyUpdate(change); err != nil {
					log.Printf("discarding unapplyable diff change: %v", err)
				}
			}
			printText(engine)
		case protocol.KindUserJoined, protocol.KindUserLeft:
			var brief protocol.UserBrief
			_ = protocol.DecodePayload(env, &brief)
			log.Printf("%s: %s", env.Kind, brief.ClientId)
		case protocol.KindError:
			var wireErr protocol.Error
			_ = protocol.DecodePayload(env, &wireErr)
			log.Printf("server error [%s]: %s", wireErr.Code, wireErr.Message)
		case protocol.KindPong, protocol.KindRecoveryResult, protocol.KindCursorUpdate:
			// Informational for this reference client.
		}
	}
}

func writeLoop(ctx context.Context, c transport.Conn, engine *crdt.Engine, lines <-chan string, errCh chan<- error) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, _ := protocol.Encode(protocol.KindPing, protocol.Ping{})
			if err := c.WriteMessage(ping); err != nil {
				errCh <- fmt.Errorf("ping: %w", err)
				return
			}
		case line, ok := <-lines:
			if !ok {
				errCh <- fmt.Errorf("stdin closed")
				return
			}
			update, err := engine.ApplyLocalText(line)
			if err != nil {
				log.Printf("local edit rejected: %v", err)
				continue
			}
			if update == nil {
				continue
			}
			raw, err := protocol.Encode(protocol.KindUpdate, protocol.Update{Update: update, ClientId: ""})
			if err != nil {
				log.Printf("encode update: %v", err)
				continue
			}
			if err := c.WriteMessage(raw); err != nil {
				errCh <- fmt.Errorf("write update: %w", err)
				return
			}
		}
	}
}

func printText(engine *crdt.Engine) {
	text, err := engine.Text()
	if err != nil {
		log.Printf("read text: %v", err)
		return
	}
	fmt.Printf("\r> %s\n", text)
}
