package journal

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// 定长布局中各字段的字节偏移。
const (
	offProtocolVersion   = 0
	offKernelVersion     = 4
	offAgentID           = 8
	offAgentCodeHash     = 40
	offConstraintSetHash = 72
	offInputRoot         = 104
	offExecutionNonce    = 136
	offInputCommitment   = 144
	offActionCommitment  = 176
	offExecutionStatus   = 208
)

// Decode 将 209 字节的定长凭证解析为 Journal。
// 任何其它长度在解释字段之前直接拒绝，多字节整数一律小端。
func Decode(data []byte) (*Journal, error) {
	if len(data) != EncodedLength {
		return nil, ErrBadJournalLength
	}
	j := &Journal{
		ProtocolVersion:   binary.LittleEndian.Uint32(data[offProtocolVersion:]),
		KernelVersion:     binary.LittleEndian.Uint32(data[offKernelVersion:]),
		AgentID:           common.BytesToHash(data[offAgentID : offAgentID+common.HashLength]),
		AgentCodeHash:     common.BytesToHash(data[offAgentCodeHash : offAgentCodeHash+common.HashLength]),
		ConstraintSetHash: common.BytesToHash(data[offConstraintSetHash : offConstraintSetHash+common.HashLength]),
		InputRoot:         common.BytesToHash(data[offInputRoot : offInputRoot+common.HashLength]),
		ExecutionNonce:    binary.LittleEndian.Uint64(data[offExecutionNonce:]),
		InputCommitment:   common.BytesToHash(data[offInputCommitment : offInputCommitment+common.HashLength]),
		ActionCommitment:  common.BytesToHash(data[offActionCommitment : offActionCommitment+common.HashLength]),
		ExecutionStatus:   ExecutionStatus(data[offExecutionStatus]),
	}
	return j, nil
}

// Encode 是 Decode 的精确逆运算，主要用于构造测试夹具。
func Encode(j *Journal) []byte {
	buf := make([]byte, EncodedLength)
	binary.LittleEndian.PutUint32(buf[offProtocolVersion:], j.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[offKernelVersion:], j.KernelVersion)
	copy(buf[offAgentID:], j.AgentID.Bytes())
	copy(buf[offAgentCodeHash:], j.AgentCodeHash.Bytes())
	copy(buf[offConstraintSetHash:], j.ConstraintSetHash.Bytes())
	copy(buf[offInputRoot:], j.InputRoot.Bytes())
	binary.LittleEndian.PutUint64(buf[offExecutionNonce:], j.ExecutionNonce)
	copy(buf[offInputCommitment:], j.InputCommitment.Bytes())
	copy(buf[offActionCommitment:], j.ActionCommitment.Bytes())
	buf[offExecutionStatus] = byte(j.ExecutionStatus)
	return buf
}
