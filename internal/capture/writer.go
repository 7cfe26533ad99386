package capture

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// Writer records every datagram the transport sends or receives into a
// pcap file, framed as Ethernet/IP/UDP with synthetic MAC addresses. It
// implements transport.Tap.
type Writer struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer

	srcMAC net.HardwareAddr
	dstMAC net.HardwareAddr
}

// NewWriter creates the capture file and writes the pcap header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	srcMAC, _ := net.ParseMAC("02:00:00:00:00:01")
	dstMAC, _ := net.ParseMAC("02:00:00:00:00:02")

	return &Writer{f: f, w: w, srcMAC: srcMAC, dstMAC: dstMAC}, nil
}

// Packet frames one UDP payload and appends it to the capture.
func (c *Writer) Packet(src, dst *net.UDPAddr, payload []byte) {
	serialized, err := c.frame(src, dst, payload)
	if err != nil {
		log.WithError(err).Debug("Failed to frame captured packet")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(serialized),
		Length:        len(serialized),
	}, serialized)
	if err != nil {
		log.WithError(err).Debug("Failed to write captured packet")
	}
}

// Close flushes and closes the capture file.
func (c *Writer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}

func (c *Writer) frame(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if src.IP.To4() != nil && dst.IP.To4() != nil {
		eth := &layers.Ethernet{
			SrcMAC:       c.srcMAC,
			DstMAC:       c.dstMAC,
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.IP.To4(),
			DstIP:    dst.IP.To4(),
		}
		udp.SetNetworkLayerForChecksum(ip)
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	eth := &layers.Ethernet{
		SrcMAC:       c.srcMAC,
		DstMAC:       c.dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      src.IP.To16(),
		DstIP:      dst.IP.To16(),
	}
	udp.SetNetworkLayerForChecksum(ip6)
	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
