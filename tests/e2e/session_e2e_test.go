package e2e

import (
	"fmt"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/tracegate/internal/wire"
)

// dialTracer connects a fake debugged program and sends its start event.
func dialTracer(uuid string) net.Conn {
	conn, err := net.Dial("tcp", tracerAddr)
	Expect(err).NotTo(HaveOccurred())
	err = wire.WriteEvent(conn, wire.MsgpackCodec{}, wire.FormatEvent("start", map[string]any{
		"uuid":  uuid,
		"auth":  "",
		"local": []any{0, 0},
	}))
	Expect(err).NotTo(HaveOccurred())
	return conn
}

// dialClient connects a fake interactive user and sends its start event.
func dialClient(uuid string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/debug/sessions/%s", clientURL, uuid), nil)
	Expect(err).NotTo(HaveOccurred())
	data, err := wire.EncodeJSON(wire.FormatEvent("start", ""))
	Expect(err).NotTo(HaveOccurred())
	Expect(ws.WriteMessage(websocket.TextMessage, data)).To(Succeed())
	return ws
}

func recvTracer(conn net.Conn) wire.Event {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ev, err := wire.NewFrameReader(conn, wire.MsgpackCodec{}).Next()
	Expect(err).NotTo(HaveOccurred())
	return ev
}

func recvClient(ws *websocket.Conn) wire.Event {
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	Expect(err).NotTo(HaveOccurred())
	ev, err := wire.DecodeJSON(data)
	Expect(err).NotTo(HaveOccurred())
	return ev
}

var _ = Describe("Session brokering", func() {
	It("pairs a tracer and a client and relays events both ways", func() {
		const uuid = "e2e-round-trip"

		sck := dialTracer(uuid)
		defer sck.Close()
		Eventually(func() bool {
			return srv.SessionStore().Contains(uuid)
		}).WithTimeout(2 * time.Second).WithPolling(10 * time.Millisecond).Should(BeTrue())

		ws := dialClient(uuid)
		defer ws.Close()

		// Pairing forwards the client's start to the tracer.
		Expect(recvTracer(sck).E).To(Equal("start"))

		// Tracer output reaches the client as JSON.
		err := wire.WriteEvent(sck, wire.MsgpackCodec{}, wire.FormatEvent("stdout", map[string]any{"text": "hi"}))
		Expect(err).NotTo(HaveOccurred())
		ev := recvClient(ws)
		Expect(ev.E).To(Equal("stdout"))
		Expect(ev.P).To(HaveKeyWithValue("text", "hi"))

		// Client commands reach the tracer re-encoded as msgpack.
		data, err := wire.EncodeJSON(wire.FormatEvent("step", nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(ws.WriteMessage(websocket.TextMessage, data)).To(Succeed())
		Expect(recvTracer(sck).E).To(Equal("step"))
	})

	It("disables the surviving half when its peer disconnects", func() {
		const uuid = "e2e-disconnect"

		sck := dialTracer(uuid)
		defer sck.Close()
		Eventually(func() bool {
			return srv.SessionStore().Contains(uuid)
		}).WithTimeout(2 * time.Second).WithPolling(10 * time.Millisecond).Should(BeTrue())

		ws := dialClient(uuid)
		defer ws.Close()
		Expect(recvTracer(sck).E).To(Equal("start"))

		Expect(ws.Close()).To(Succeed())

		// The tracer sees the client error, then the disable.
		Expect(recvTracer(sck).E).To(Equal("error"))
		Expect(recvTracer(sck).E).To(Equal("disable"))
		Eventually(func() bool {
			return srv.SessionStore().Contains(uuid)
		}).WithTimeout(2 * time.Second).WithPolling(10 * time.Millisecond).Should(BeFalse())
	})
})
