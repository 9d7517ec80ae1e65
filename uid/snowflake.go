package uid

import (
	"net"
	"sync/atomic"
	"time"
)

// SnowflakeOptions 机器 ID 为空时从本机 IP 推导
type SnowflakeOptions struct {
	MachineID *int64 `cfg:"machineID"`
}

// SnowflakeGenerator 64 位结构：1 位符号位(0) + 41 位毫秒时间戳 + 10 位机器 ID + 12 位序列号
// 同一生成器产生的 ID 严格递增
type SnowflakeGenerator struct {
	state     int64 // 高位为时间戳，低 12 位为序列号
	machineID int64
	epoch     int64
}

const (
	sequenceBits  = 12
	machineIDBits = 10

	maxSequence  = (1 << sequenceBits) - 1
	maxMachineID = (1 << machineIDBits) - 1

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

func NewSnowflakeGeneratorWithOptions(options *SnowflakeOptions) *SnowflakeGenerator {
	var machineID int64
	if options != nil && options.MachineID != nil {
		machineID = *options.MachineID
	} else {
		machineID = machineIDFromIP()
	}

	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return &SnowflakeGenerator{
		state:     (time.Now().UnixMilli() - epoch) << sequenceBits,
		machineID: machineID & maxMachineID,
		epoch:     epoch,
	}
}

func machineIDFromIP() int64 {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipv4 := ipnet.IP.To4(); ipv4 != nil {
				return int64(ipv4[2])<<8 | int64(ipv4[3])
			}
		}
	}
	return 0
}

func (g *SnowflakeGenerator) Generate() int64 {
	for {
		oldState := atomic.LoadInt64(&g.state)
		oldTimestamp := oldState >> sequenceBits
		oldSequence := oldState & maxSequence

		now := time.Now().UnixMilli() - g.epoch
		newTimestamp, newSequence := oldTimestamp, oldSequence+1
		if now > oldTimestamp {
			newTimestamp, newSequence = now, 0
		} else if newSequence > maxSequence {
			// 序列号用尽，借用下一毫秒，时钟回拨时同样沿用旧时间戳继续递增
			newTimestamp, newSequence = oldTimestamp+1, 0
		}

		newState := newTimestamp<<sequenceBits | newSequence
		if atomic.CompareAndSwapInt64(&g.state, oldState, newState) {
			return newTimestamp<<timestampShift | g.machineID<<machineIDShift | newSequence
		}
	}
}
