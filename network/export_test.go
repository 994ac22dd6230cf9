package network

// CheckTimeouts runs one timeout sweep without waiting for the ticker.
func (p *Peer) CheckTimeouts() {
	p.checkTimeouts()
}
