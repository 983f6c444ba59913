// Command peer-go is a headless signaling peer for local end-to-end tests.
//
// It connects to a running relay, waits in a room, and negotiates a WebRTC
// DataChannel with the room's other member: a newcomer that finds a peer
// already waiting initiates the offer, the waiting member answers. ICE
// candidates trickle through the relay as they are gathered.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/stdnet"
	"github.com/pion/webrtc/v4"
)

type envelope struct {
	Type      string                   `json:"type"`
	Count     int                      `json:"count,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type peer struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	pc        *webrtc.PeerConnection
	initiated bool
}

func main() {
	relayURL := envOrDefault("RELAY_WS_URL", "ws://127.0.0.1:8080/ws")
	roomID := envOrDefault("ROOM", "e2e")
	apiKey := os.Getenv("API_KEY")

	u, err := url.Parse(relayURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad RELAY_WS_URL: %v\n", err)
		os.Exit(2)
	}
	q := u.Query()
	q.Set("room", roomID)
	if apiKey != "" {
		q.Set("key", apiKey)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", u, err)
		os.Exit(1)
	}
	defer conn.Close()

	pc, err := newPeerConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "webrtc setup: %v\n", err)
		os.Exit(1)
	}
	defer pc.Close()

	p := &peer{conn: conn, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = p.send(envelope{Type: "ice", Candidate: &init})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fmt.Printf("STATE %s\n", state)
	})
	// Responder side: the initiator creates the channel, we get it here.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wireDataChannel(dc)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "read: %v\n", err)
			}
			return
		}
		if err := p.handle(data); err != nil {
			fmt.Fprintf(os.Stderr, "handle %s: %v\n", data, err)
			return
		}
	}
}

func newPeerConnection() (*webrtc.PeerConnection, error) {
	factory := logging.NewDefaultLoggerFactory()
	if strings.EqualFold(os.Getenv("WEBRTC_LOG"), "debug") {
		factory.DefaultLogLevel = logging.LogLevelDebug
	}

	nn, err := stdnet.NewNet()
	if err != nil {
		return nil, fmt.Errorf("stdnet: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: factory}
	se.SetNet(nn)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var iceServers []webrtc.ICEServer
	if stun := os.Getenv("STUN_URL"); stun != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{stun}})
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

func (p *peer) handle(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	switch env.Type {
	case "joined":
		fmt.Printf("JOINED count=%d\n", env.Count)
		// The newcomer that finds a peer already waiting initiates, so the
		// two sides never produce offers at the same time.
		if env.Count > 1 && !p.initiated {
			p.initiated = true
			return p.initiate()
		}
		return nil

	case "peers":
		fmt.Printf("PEERS count=%d\n", env.Count)
		return nil

	case "offer":
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  env.SDP,
		}); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		return p.send(envelope{Type: "answer", SDP: answer.SDP})

	case "answer":
		return p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  env.SDP,
		})

	case "ice":
		if env.Candidate == nil {
			return nil
		}
		return p.pc.AddICECandidate(*env.Candidate)

	default:
		// Other peers may speak a richer dialect; ignore what we don't know.
		return nil
	}
}

func (p *peer) initiate() error {
	dc, err := p.pc.CreateDataChannel("chat", nil)
	if err != nil {
		return err
	}
	wireDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return p.send(envelope{Type: "offer", SDP: offer.SDP})
}

func (p *peer) send(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func wireDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		fmt.Printf("DATACHANNEL OPEN %s\n", dc.Label())
		_ = dc.SendText("hello from " + envOrDefault("PEER_NAME", "peer-go") + " at " + time.Now().Format(time.RFC3339))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fmt.Printf("DATACHANNEL MESSAGE %q\n", msg.Data)
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
