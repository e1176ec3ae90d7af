// =============================================================================
// 文件: internal/bearer/crc.go
// 描述: 校验算法 - DNP3 CRC-16 与 Mesh 配网 FCS (CRC-8)
// =============================================================================
package bearer

var (
	crc16DNPTable [256]uint16
	crc8MeshTable [256]uint8
)

func init() {
	// CRC-16/DNP: x^16+x^13+x^12+x^11+x^10+x^8+x^6+x^5+x^2+1, 反射
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA6BC
			} else {
				crc >>= 1
			}
		}
		crc16DNPTable[i] = crc
	}

	// 3GPP TS 27.010 FCS: x^8+x^2+x+1, 反射
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xE0
			} else {
				crc >>= 1
			}
		}
		crc8MeshTable[i] = crc
	}
}

// CRC16DNP 计算 DNP3 链路层 CRC (按小端序写入)
func CRC16DNP(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ crc16DNPTable[byte(crc)^b]
	}
	return ^crc
}

// FCS8 计算配网 PDU 的帧校验序列
func FCS8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8MeshTable[crc^b]
	}
	return 0xFF - crc
}
