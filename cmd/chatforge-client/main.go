// Command chatforge-client is a headless demo harness: it wires
// pkg/runtime to a real chatforged server over a real WebSocket channel,
// standing in for the host-editor shell a real client would embed this
// library in. It reads line commands from stdin and prints inbound
// frames to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"chatforge/internal/protocol"
	"chatforge/pkg/dmcrypto"
	"chatforge/pkg/runtime"
)

// staticIdentity answers runtime.IdentityAdapter with a fixed accountId and
// access token supplied on the command line — the headless stand-in for
// the host's interactive OAuth flow.
type staticIdentity struct {
	accountID   string
	accessToken string
}

func (s staticIdentity) GetIdentity(_ context.Context, _, _ bool) (string, string, error) {
	if s.accessToken == "" {
		return "", "", fmt.Errorf("chatforge-client: no --token supplied")
	}
	return s.accountID, s.accessToken, nil
}

func main() {
	server := flag.String("server", "http://localhost:8080", "chatforged base URL")
	accountID := flag.String("account-id", "", "identity-provider accountId for cached-session bookkeeping")
	token := flag.String("token", "", "identity-provider access token")
	flag.Parse()

	keyPair, err := dmcrypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate DM key pair:", err)
		os.Exit(1)
	}

	session := &clientSession{
		keyPair:  keyPair,
		peerKeys: make(map[string][32]byte),
	}

	rt := runtime.New(
		staticIdentity{accountID: *accountID, accessToken: *token},
		runtime.WithHost(runtime.HostFunc(func(msg string) {
			fmt.Println("! " + msg)
		})),
		runtime.WithMessageHandler(session.handleFrame),
	)
	defer rt.Close()

	rt.Connect(*server, true)
	fmt.Printf("connecting to %s ...\n", *server)

	printHelp()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !session.dispatch(rt, line) {
			break
		}
	}
}

func printHelp() {
	fmt.Println("commands: <text> to broadcast, /identity to publish your DM key,")
	fmt.Println("          /dm <accountId> <text> to send an encrypted DM, /quit to exit")
}

// clientSession tracks the DM key material a real host app's secret store
// would hold: this account's own key pair, and every peer public key seen
// on a dm.welcome frame.
type clientSession struct {
	keyPair dmcrypto.KeyPair

	mu       sync.Mutex
	peerKeys map[string][32]byte // accountId -> public key
}

func (s *clientSession) dispatch(rt *runtime.Runtime, line string) bool {
	switch {
	case line == "/quit":
		return false
	case line == "/identity":
		_ = rt.Send(protocol.ClientFrame{
			Type:     protocol.TypeDMIdentityPublish,
			Identity: ptr(s.keyPair.PublicIdentity()),
		})
	case strings.HasPrefix(line, "/dm "):
		s.sendDM(rt, strings.TrimPrefix(line, "/dm "))
	default:
		_ = rt.Send(protocol.ClientFrame{Type: protocol.TypeMessageSend, Text: line})
	}
	return true
}

func (s *clientSession) sendDM(rt *runtime.Runtime, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		fmt.Println("! usage: /dm <accountId> <text>")
		return
	}
	target, text := parts[0], parts[1]

	s.mu.Lock()
	peerKey, known := s.peerKeys[target]
	s.mu.Unlock()
	if !known {
		fmt.Printf("! no known DM key for %s yet; opening a DM fetches it first\n", target)
		_ = rt.Send(protocol.ClientFrame{Type: protocol.TypeDMOpen, TargetAccountID: target})
		return
	}

	pairID, err := protocol.PairID(rt.State().User.AccountID, target)
	if err != nil {
		fmt.Println("! invalid accountId pair:", err)
		return
	}
	nonce, ciphertext, err := s.keyPair.Seal([]byte(text), peerKey)
	if err != nil {
		fmt.Println("! seal failed:", err)
		return
	}
	senderIdentity := s.keyPair.PublicIdentity()
	_ = rt.Send(protocol.ClientFrame{
		Type:               protocol.TypeDMMessageSend,
		PairID:             pairID,
		RecipientAccountID: target,
		SenderIdentity:     &senderIdentity,
		Nonce:              nonce,
		Ciphertext:         ciphertext,
	})
}

func (s *clientSession) handleFrame(frame protocol.ServerFrame) {
	switch frame.Type {
	case protocol.TypeWelcome:
		fmt.Printf("welcome, signed in as %s\n", frame.User.Login)
	case protocol.TypeMessageNew:
		fmt.Printf("[%s] %s\n", frame.Message.User.Login, frame.Message.Text)
	case protocol.TypeDMWelcome:
		s.rememberPeer(frame.PeerAccountID, frame.PeerIdentity)
		fmt.Printf("dm opened with %s\n", frame.PeerAccountID)
	case protocol.TypeDMMessageNew:
		s.printDecryptedDM(frame.DMMessage)
	case protocol.TypePresence:
		fmt.Printf("presence: %d accounts online\n", len(frame.Presence))
	case protocol.TypeModerationUserDenied:
		fmt.Printf("moderation: %s denied %s\n", frame.Actor, frame.Target)
	case protocol.TypeModerationUserAllowed:
		fmt.Printf("moderation: %s allowed %s\n", frame.Actor, frame.Target)
	case protocol.TypeError:
		fmt.Printf("! server error: %s %s\n", frame.Code, frame.ErrMessage)
	}
}

func (s *clientSession) rememberPeer(peerAccountID string, identity *protocol.PublicIdentity) {
	if identity == nil {
		return
	}
	key, err := dmcrypto.DecodePublicKey(*identity)
	if err != nil {
		fmt.Println("! peer identity decode failed:", err)
		return
	}
	s.mu.Lock()
	s.peerKeys[peerAccountID] = key
	s.mu.Unlock()
}

func (s *clientSession) printDecryptedDM(msg *protocol.CiphertextFrame) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	peerKey, known := s.peerKeys[msg.Sender.AccountID]
	s.mu.Unlock()
	if !known {
		fmt.Printf("dm from %s: <undecryptable, no known key>\n", msg.Sender.Login)
		return
	}
	plain, err := s.keyPair.Open(msg.Nonce, msg.Ciphertext, peerKey)
	if err != nil {
		fmt.Printf("dm from %s: <decrypt failed: %v>\n", msg.Sender.Login, err)
		return
	}
	fmt.Printf("dm from %s: %s\n", msg.Sender.Login, string(plain))
}

func ptr[T any](v T) *T { return &v }
