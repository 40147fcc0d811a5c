package portal

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/net/dns/dnsmessage"
)

const (
	maxDNSPacket = 512
	dnsFlagsByte = 2
	// QR and AA set, opcode 0.
	dnsCaptureFlags = 0x84
)

// CaptureReply turns a query into the reply the portal sends back: the same
// packet with the flags byte forced to 0x84. Packets shorter than three bytes
// come back unchanged.
func CaptureReply(query []byte) []byte {
	reply := make([]byte, len(query))
	copy(reply, query)
	if len(reply) > dnsFlagsByte {
		reply[dnsFlagsByte] = dnsCaptureFlags
	}
	return reply
}

// questionName decodes the first question name for logging. It returns "" for
// anything it cannot parse.
func questionName(packet []byte) string {
	var p dnsmessage.Parser
	if _, err := p.Start(packet); err != nil {
		return ""
	}
	q, err := p.Question()
	if err != nil {
		return ""
	}
	return q.Name.String()
}

// DNSResponder answers every UDP query with CaptureReply.
type DNSResponder struct {
	conn     net.PacketConn
	portalIP string
	log      zerolog.Logger
}

func ListenDNS(addr, portalIP string, log zerolog.Logger) (*DNSResponder, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &DNSResponder{conn: conn, portalIP: portalIP, log: log}, nil
}

func (d *DNSResponder) Addr() net.Addr {
	return d.conn.LocalAddr()
}

// Serve runs until ctx is done or the socket fails.
func (d *DNSResponder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, maxDNSPacket)
	for {
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		d.log.Debug().
			Str("client", from.String()).
			Str("name", questionName(buf[:n])).
			Str("redirect", d.portalIP).
			Msg("DNS query captured")

		if _, err := d.conn.WriteTo(CaptureReply(buf[:n]), from); err != nil {
			d.log.Debug().Err(err).Str("client", from.String()).Msg("Failed to send DNS reply")
		}
	}
}
