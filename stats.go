package blkfs

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rodaine/table"
)

// Per-operation counters on the mount handle, rendered by StatsTable.

const (
	opCreate = iota
	opOpen
	opClose
	opSeek
	opRead
	opWrite
	opRemove
	opGetDir
	opUnmount
	numOps
)

var opNames = [numOps]string{
	"create", "open", "close", "seek", "read", "write",
	"remove", "getdir", "unmount",
}

type opStat struct {
	count uint32
	nanos uint64
}

func (fs *FileSystem) record(op int, start time.Time) {
	fs.stats[op].count++
	fs.stats[op].nanos += uint64(time.Since(start).Nanoseconds())
}

func (st opStat) microsPerOp() float64 {
	if st.count == 0 {
		return 0
	}
	return float64(st.nanos) / float64(st.count) / 1e3
}

// StatsTable renders the operation counters accumulated since mount.
func (fs *FileSystem) StatsTable() string {
	buf := new(bytes.Buffer)
	tbl := table.New("op", "count", "us/op").WithWriter(buf)
	var total opStat
	for op, st := range fs.stats {
		tbl.AddRow(opNames[op], st.count, fmt.Sprintf("%0.1f", st.microsPerOp()))
		total.count += st.count
		total.nanos += st.nanos
	}
	tbl.AddRow("total", total.count, fmt.Sprintf("%0.1f us", float64(total.nanos)/1e3))
	tbl.Print()
	return buf.String()
}
