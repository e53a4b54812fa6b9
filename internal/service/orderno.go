package service

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OrderNumbers issues platform order numbers: the local date followed by a
// snowflake id, unique across instances with distinct node ids.
type OrderNumbers struct {
	node *snowflake.Node
	now  func() time.Time
}

func NewOrderNumbers(nodeID int64) (*OrderNumbers, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &OrderNumbers{node: node, now: time.Now}, nil
}

func (g *OrderNumbers) Next() string {
	return g.now().Format("20060102") + g.node.Generate().String()
}
