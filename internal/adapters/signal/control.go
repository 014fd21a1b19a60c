package signal

import "github.com/dkeye/meshcall/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, protocol.Message{Type: protocol.TypePong})
}

// sendError reports a problem to this connection only.
func (ctl *SignalWSController) sendError(conn *WsSignalConn, code string) {
	ctl.send(conn, protocol.Errorf("%s", code))
}
