package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// oggOpusWriter muxes Opus packets into a minimal Ogg container: one
// OpusHead page, one OpusTags page, then one audio packet per page. That
// layout is wasteful for long streams but utterances are seconds long and
// every demuxer accepts it.
type oggOpusWriter struct {
	w          io.Writer
	sampleRate int
	serial     uint32
	pageSeq    uint32
}

const oggVendor = "talkback"

func newOggOpusWriter(w io.Writer, sampleRate int) *oggOpusWriter {
	return &oggOpusWriter{w: w, sampleRate: sampleRate, serial: 0x74616c6b}
}

func (o *oggOpusWriter) writeHeaders() error {
	var head bytes.Buffer
	head.WriteString("OpusHead")
	head.WriteByte(1) // version
	head.WriteByte(1) // channel count
	binary.Write(&head, binary.LittleEndian, uint16(0)) // pre-skip
	binary.Write(&head, binary.LittleEndian, uint32(o.sampleRate))
	binary.Write(&head, binary.LittleEndian, int16(0)) // output gain
	head.WriteByte(0)                                  // mapping family

	if err := o.writePage(0x02, 0, head.Bytes()); err != nil {
		return err
	}

	var tags bytes.Buffer
	tags.WriteString("OpusTags")
	binary.Write(&tags, binary.LittleEndian, uint32(len(oggVendor)))
	tags.WriteString(oggVendor)
	binary.Write(&tags, binary.LittleEndian, uint32(0)) // comment count

	return o.writePage(0x00, 0, tags.Bytes())
}

func (o *oggOpusWriter) writePacket(packet []byte, granule int64, last bool) error {
	var headerType byte
	if last {
		headerType = 0x04
	}
	return o.writePage(headerType, granule, packet)
}

func (o *oggOpusWriter) writePage(headerType byte, granule int64, packet []byte) error {
	segments := len(packet)/255 + 1
	if segments > 255 {
		return fmt.Errorf("ogg packet too large: %d bytes", len(packet))
	}

	page := make([]byte, 0, 27+segments+len(packet))
	page = append(page, 'O', 'g', 'g', 'S')
	page = append(page, 0) // stream structure version
	page = append(page, headerType)
	page = binary.LittleEndian.AppendUint64(page, uint64(granule))
	page = binary.LittleEndian.AppendUint32(page, o.serial)
	page = binary.LittleEndian.AppendUint32(page, o.pageSeq)
	page = append(page, 0, 0, 0, 0) // CRC placeholder
	page = append(page, byte(segments))

	remaining := len(packet)
	for i := 0; i < segments; i++ {
		if remaining >= 255 {
			page = append(page, 255)
			remaining -= 255
		} else {
			page = append(page, byte(remaining))
			remaining = 0
		}
	}
	page = append(page, packet...)

	crc := oggCRC(page)
	binary.LittleEndian.PutUint32(page[22:26], crc)

	o.pageSeq++
	_, err := o.w.Write(page)
	return err
}

// oggCRC computes the Ogg page checksum: CRC-32 with polynomial 0x04c11db7,
// no bit reflection, zero initial value and zero final XOR.
func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()
