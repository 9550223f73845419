package common

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	snowNode     *snowflake.Node
	snowNodeOnce sync.Once
)

// UUIDint64 returns a time-ordered unique id suitable for primary keys.
func UUIDint64() int64 {
	snowNodeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowNode = node
	})
	return snowNode.Generate().Int64()
}
