package action

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
)

// 每个条目中除 payload 外的固定部分：actionType(4) + target(32) + payloadLength(4)。
const entryHeaderLength = 4 + common.HashLength + 4

// DecodeBatch 解析动作批次字节串。
// 布局：u32-LE 条目数；每条：u32-LE 条目长度、u32-LE 动作类型、
// 32 字节目标、u32-LE payload 长度、payload 字节。
// 解码必须精确消费声明的长度，出现多余或缺失字节都视为解码错误。
func DecodeBatch(raw []byte) ([]Action, error) {
	if len(raw) < 4 {
		return nil, xerrors.Wrap(CodeBadActionBatch, ErrBadActionBatch, "缺少条目数字段")
	}
	count := binary.LittleEndian.Uint32(raw)
	offset := 4

	// 预分配容量以字节串实际可承载的条目数为上限，
	// 声明的条目数是外部输入，不能直接用于分配。
	capacity := int(count)
	if max := (len(raw) - offset) / (4 + entryHeaderLength); capacity > max {
		capacity = max
	}
	actions := make([]Action, 0, capacity)
	for i := uint32(0); i < count; i++ {
		if len(raw)-offset < 4 {
			return nil, xerrors.Wrap(CodeBadActionBatch, ErrBadActionBatch,
				fmt.Sprintf("条目 %d 缺少长度字段", i))
		}
		entryLen := binary.LittleEndian.Uint32(raw[offset:])
		offset += 4

		if entryLen < entryHeaderLength {
			return nil, xerrors.Wrap(CodeBadActionBatch, ErrBadActionBatch,
				fmt.Sprintf("条目 %d 声明长度 %d 小于固定头部", i, entryLen))
		}
		if uint32(len(raw)-offset) < entryLen {
			return nil, xerrors.Wrap(CodeBadActionBatch, ErrBadActionBatch,
				fmt.Sprintf("条目 %d 声明长度 %d 超出剩余字节", i, entryLen))
		}

		entry := raw[offset : offset+int(entryLen)]
		actionType := Type(binary.LittleEndian.Uint32(entry))
		target := common.BytesToHash(entry[4 : 4+common.HashLength])
		payloadLen := binary.LittleEndian.Uint32(entry[4+common.HashLength:])

		if entryLen != entryHeaderLength+payloadLen {
			return nil, xerrors.Wrap(CodeBadActionBatch, ErrBadActionBatch,
				fmt.Sprintf("条目 %d 的长度 %d 与 payload 长度 %d 不一致", i, entryLen, payloadLen))
		}

		payload := make([]byte, payloadLen)
		copy(payload, entry[entryHeaderLength:])
		actions = append(actions, Action{Type: actionType, Target: target, Payload: payload})
		offset += int(entryLen)
	}

	if offset != len(raw) {
		return nil, xerrors.Wrap(CodeBadActionBatch, ErrBadActionBatch,
			fmt.Sprintf("批次尾部存在 %d 个多余字节", len(raw)-offset))
	}
	return actions, nil
}

// EncodeBatch 是 DecodeBatch 的精确逆运算。
func EncodeBatch(actions []Action) []byte {
	size := 4
	for _, a := range actions {
		size += 4 + entryHeaderLength + len(a.Payload)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(actions)))
	for _, a := range actions {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(entryHeaderLength+len(a.Payload)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(a.Type))
		buf = append(buf, a.Target.Bytes()...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.Payload)))
		buf = append(buf, a.Payload...)
	}
	return buf
}
