package gateway

import (
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"mt5-risk-engine-go/internal/models"

	"github.com/jxskiss/base62"
)

// CommentKind marks which component placed an order.
type CommentKind byte

const (
	CommentSingle     CommentKind = 's'
	CommentGrid       CommentKind = 'g'
	CommentMartingale CommentKind = 'm'
	CommentHedge      CommentKind = 'h'
	CommentClose      CommentKind = 'c'
)

// Comments builds order comments "<tag>.<kind><base62 seq>". The sequence is
// seeded from the clock so comments stay unique across restarts.
type Comments struct {
	tag string
	seq atomic.Uint64
}

// NewComments creates a comment source for tag.
func NewComments(tag string) *Comments {
	c := &Comments{tag: sanitize(tag)}
	c.seq.Store(uint64(time.Now().UnixMilli()))
	return c
}

// Next returns a fresh comment for kind.
func (c *Comments) Next(kind CommentKind) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.seq.Add(1))
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	s := c.tag + "." + string(rune(kind)) + base62.EncodeToString(buf[i:])
	if len(s) > models.MaxCommentLength {
		s = s[:models.MaxCommentLength]
	}
	return s
}

// KindOf returns the component that placed an order carrying comment, if the
// comment was produced by a source with the same tag.
func (c *Comments) KindOf(comment string) (CommentKind, bool) {
	prefix := c.tag + "."
	if !strings.HasPrefix(comment, prefix) || len(comment) <= len(prefix) {
		return 0, false
	}
	return CommentKind(comment[len(prefix)]), true
}

// sanitize keeps printable ASCII without the separator.
func sanitize(tag string) string {
	var b strings.Builder
	for i := 0; i < len(tag) && b.Len() < 8; i++ {
		ch := tag[i]
		if ch > 0x20 && ch < 0x7f && ch != '.' {
			b.WriteByte(ch)
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}
