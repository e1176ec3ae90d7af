// =============================================================================
// 文件: internal/bearer/dnp3.go
// 描述: DNP3 链路层帧与传输层段
//       链路帧: 0x05 0x64 LEN CTRL DST(2) SRC(2) CRC(2) + 每 16 字节数据块附 CRC(2)
// =============================================================================
package bearer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mrcgq/fragkit/internal/segmentation"
)

const (
	DNP3StartByte1 = 0x05
	DNP3StartByte2 = 0x64

	// DNP3LinkHeaderSize 起始字(2) + LEN + CTRL + DST(2) + SRC(2) + CRC(2)
	DNP3LinkHeaderSize = 10
	// DNP3BlockSize 用户数据块大小
	DNP3BlockSize = 16
	// DNP3MaxUserData 单帧最大用户数据
	DNP3MaxUserData = 250
	// DNP3MaxFrameSize 单帧最大字节数
	DNP3MaxFrameSize = DNP3LinkHeaderSize + DNP3MaxUserData + 2*16
)

// 链路控制字
const (
	LinkDIR = 0x80
	LinkPRM = 0x40

	LinkFuncConfirmedUserData   = 0x03
	LinkFuncUnconfirmedUserData = 0x04
)

// 传输层头
const (
	TransportFIN = 0x80
	TransportFIR = 0x40
	TransportSeq = 0x3F
)

var (
	ErrIncomplete = errors.New("帧数据不完整")
	ErrBadCRC     = errors.New("CRC 校验失败")
	ErrBadLength  = errors.New("长度字段无效")
)

// LinkFrame DNP3 链路层帧 (已去除块 CRC)
type LinkFrame struct {
	Control  byte
	Dest     uint16
	Source   uint16
	UserData []byte
}

// Function 链路功能码
func (f *LinkFrame) Function() uint8 { return f.Control & 0x0F }

// FromMaster 方向位
func (f *LinkFrame) FromMaster() bool { return f.Control&LinkDIR != 0 }

// CarriesTransport 是否承载传输层段
func (f *LinkFrame) CarriesTransport() bool {
	if f.Control&LinkPRM == 0 || len(f.UserData) == 0 {
		return false
	}
	fc := f.Function()
	return fc == LinkFuncConfirmedUserData || fc == LinkFuncUnconfirmedUserData
}

// Stream 链路地址对，方向相关
func (f *LinkFrame) Stream() uint32 {
	return uint32(f.Source)<<16 | uint32(f.Dest)
}

// frameSize 根据 LEN 字段计算整帧长度
func frameSize(length byte) (int, error) {
	if length < 5 {
		return 0, fmt.Errorf("%w: %d", ErrBadLength, length)
	}
	ud := int(length) - 5
	blocks := (ud + DNP3BlockSize - 1) / DNP3BlockSize
	return DNP3LinkHeaderSize + ud + 2*blocks, nil
}

// ParseLinkFrame 从 data 开头解析一帧，返回消耗的字节数
func ParseLinkFrame(data []byte) (*LinkFrame, int, error) {
	if len(data) < DNP3LinkHeaderSize {
		return nil, 0, ErrIncomplete
	}
	if data[0] != DNP3StartByte1 || data[1] != DNP3StartByte2 {
		return nil, 0, fmt.Errorf("起始字错误: %02X %02X", data[0], data[1])
	}

	size, err := frameSize(data[2])
	if err != nil {
		return nil, 0, err
	}
	if binary.LittleEndian.Uint16(data[8:10]) != CRC16DNP(data[:8]) {
		return nil, 0, fmt.Errorf("%w: 链路头", ErrBadCRC)
	}
	if len(data) < size {
		return nil, 0, ErrIncomplete
	}

	f := &LinkFrame{
		Control: data[3],
		Dest:    binary.LittleEndian.Uint16(data[4:6]),
		Source:  binary.LittleEndian.Uint16(data[6:8]),
	}

	ud := int(data[2]) - 5
	f.UserData = make([]byte, 0, ud)
	pos := DNP3LinkHeaderSize
	for ud > 0 {
		n := DNP3BlockSize
		if ud < n {
			n = ud
		}
		block := data[pos : pos+n]
		if binary.LittleEndian.Uint16(data[pos+n:pos+n+2]) != CRC16DNP(block) {
			return nil, size, fmt.Errorf("%w: 数据块 @%d", ErrBadCRC, pos)
		}
		f.UserData = append(f.UserData, block...)
		pos += n + 2
		ud -= n
	}

	return f, size, nil
}

// BuildLinkFrame 构建链路层帧
func BuildLinkFrame(control byte, dest, source uint16, userData []byte) ([]byte, error) {
	if len(userData) > DNP3MaxUserData {
		return nil, fmt.Errorf("%w: 用户数据 %d 字节", ErrBadLength, len(userData))
	}

	size, _ := frameSize(byte(5 + len(userData)))
	frame := make([]byte, 0, size)
	frame = append(frame, DNP3StartByte1, DNP3StartByte2, byte(5+len(userData)), control)
	frame = binary.LittleEndian.AppendUint16(frame, dest)
	frame = binary.LittleEndian.AppendUint16(frame, source)
	frame = binary.LittleEndian.AppendUint16(frame, CRC16DNP(frame[:8]))

	for off := 0; off < len(userData); off += DNP3BlockSize {
		end := off + DNP3BlockSize
		if end > len(userData) {
			end = len(userData)
		}
		frame = append(frame, userData[off:end]...)
		frame = binary.LittleEndian.AppendUint16(frame, CRC16DNP(userData[off:end]))
	}
	return frame, nil
}

// =============================================================================
// 流式扫描
// =============================================================================

// LinkScanner 在 TCP 字节流上切分链路帧
//
// 跨报文的半帧保存在 carry 中，遇到错误字节时重新寻找起始字。
type LinkScanner struct {
	carry []byte
}

// Feed 追加数据并返回其中完整的帧，损坏的帧以错误形式返回并跳过
func (s *LinkScanner) Feed(data []byte) ([]*LinkFrame, []error) {
	buf := append(s.carry, data...)
	var frames []*LinkFrame
	var errs []error

	for len(buf) > 0 {
		idx := bytes.Index(buf, []byte{DNP3StartByte1, DNP3StartByte2})
		if idx < 0 {
			// 末尾单个 0x05 可能是下一帧的起始
			if buf[len(buf)-1] == DNP3StartByte1 {
				buf = buf[len(buf)-1:]
			} else {
				buf = nil
			}
			break
		}
		if idx > 0 {
			errs = append(errs, fmt.Errorf("丢弃 %d 字节非帧数据", idx))
			buf = buf[idx:]
		}

		f, n, err := ParseLinkFrame(buf)
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			errs = append(errs, err)
			if n == 0 {
				n = 2
			}
			buf = buf[n:]
			continue
		}
		frames = append(frames, f)
		buf = buf[n:]
	}

	s.carry = append(s.carry[:0:0], buf...)
	return frames, errs
}

// Pending 尚未组成完整帧的字节数
func (s *LinkScanner) Pending() int { return len(s.carry) }

// Reset 丢弃半帧
func (s *LinkScanner) Reset() { s.carry = nil }

// =============================================================================
// 传输层
// =============================================================================

// TransportSegment DNP3 传输层段
type TransportSegment struct {
	FIN  bool
	FIR  bool
	Seq  uint8
	Data []byte
}

// ParseTransport 解析链路用户数据中的传输层段
func ParseTransport(userData []byte) (*TransportSegment, error) {
	if len(userData) < 1 {
		return nil, fmt.Errorf("传输层段为空")
	}
	h := userData[0]
	return &TransportSegment{
		FIN:  h&TransportFIN != 0,
		FIR:  h&TransportFIR != 0,
		Seq:  h & TransportSeq,
		Data: userData[1:],
	}, nil
}

// BuildTransportSegments 把应用层报文切分为传输层段 (每段最多 size 字节数据)
func BuildTransportSegments(msg []byte, seq uint8, size int) [][]byte {
	if size <= 0 || size > segmentation.DNP3MaxSegmentSize {
		size = segmentation.DNP3MaxSegmentSize
	}

	parts := segmentation.SplitFixed(msg, size)
	segs := make([][]byte, 0, len(parts))
	for i, p := range parts {
		h := seq & TransportSeq
		if i == 0 {
			h |= TransportFIR
		}
		if i == len(parts)-1 {
			h |= TransportFIN
		}
		seg := make([]byte, 0, 1+len(p))
		seg = append(seg, h)
		seg = append(seg, p...)
		segs = append(segs, seg)
		seq++
	}
	return segs
}
