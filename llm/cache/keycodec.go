package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/BaSui01/genflow/types"
)

const (
	// DefaultKeyPrefix 缓存键前缀
	DefaultKeyPrefix = "gen:cache:"

	// absentSentinel 缺省参数的占位符，与显式值的编码格式不同
	absentSentinel = "~"

	keyVersion = "v1"
)

// DefaultSynonymSuffixes 风格类字段中可忽略的同义后缀
var DefaultSynonymSuffixes = []string{" style", " styled", " image", " picture", " photo"}

// KeyCodecOption 编码器选项
type KeyCodecOption func(*KeyCodec)

// WithKeyPrefix 自定义前缀
func WithKeyPrefix(prefix string) KeyCodecOption {
	return func(c *KeyCodec) { c.prefix = prefix }
}

// WithSynonymSuffixes 自定义同义后缀表
func WithSynonymSuffixes(suffixes ...string) KeyCodecOption {
	return func(c *KeyCodec) {
		c.suffixes = make([]string, 0, len(suffixes))
		for _, s := range suffixes {
			s = strings.ToLower(s)
			if strings.TrimSpace(s) == "" {
				continue
			}
			if !strings.HasPrefix(s, " ") {
				s = " " + s
			}
			c.suffixes = append(c.suffixes, s)
		}
	}
}

// KeyCodec 把生成参数编码为确定性缓存键，纯函数，无 I/O
type KeyCodec struct {
	prefix   string
	suffixes []string
}

// NewKeyCodec 创建编码器
func NewKeyCodec(opts ...KeyCodecOption) *KeyCodec {
	c := &KeyCodec{
		prefix:   DefaultKeyPrefix,
		suffixes: DefaultSynonymSuffixes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prefix 返回键前缀
func (c *KeyCodec) Prefix() string {
	return c.prefix
}

// Encode 返回 prefix + hex(sha256(canonical)[:16])
func (c *KeyCodec) Encode(p types.Payload) string {
	sum := sha256.Sum256([]byte(c.Canonical(p)))
	return c.prefix + hex.EncodeToString(sum[:16])
}

// Canonical 返回归一化后的规范串。
// 每个字段编码为 "<len>:<value>;"，缺省字段编码为 "~;"
func (c *KeyCodec) Canonical(p types.Payload) string {
	var b strings.Builder
	b.WriteString(keyVersion)
	b.WriteByte('|')

	writeText(&b, normalizeText(p.Prompt))
	writeText(&b, normalizeText(p.NegativePrompt))
	writeInt(&b, int64(p.Width), p.Width > 0)
	writeInt(&b, int64(p.Height), p.Height > 0)
	writeText(&b, c.NormalizeDescriptor(p.Style))
	writeText(&b, c.NormalizeDescriptor(p.Quality))
	writeText(&b, normalizeText(p.Model))
	if p.Seed != nil {
		writeInt(&b, *p.Seed, true)
	} else {
		writeInt(&b, 0, false)
	}

	extra := make(map[string]string, len(p.Extra))
	for k, v := range p.Extra {
		k = normalizeText(k)
		if k == "" {
			continue
		}
		extra[k] = normalizeText(v)
	}
	if len(extra) == 0 {
		b.WriteString(absentSentinel + ";")
		return b.String()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString(strconv.Itoa(len(keys)))
	b.WriteByte('{')
	for _, k := range keys {
		writeText(&b, k)
		writeText(&b, extra[k])
	}
	b.WriteByte('}')
	return b.String()
}

// NormalizeDescriptor 归一化风格类字段：normalizeText 后循环去掉同义后缀
func (c *KeyCodec) NormalizeDescriptor(s string) string {
	s = normalizeText(s)
	for {
		stripped := false
		for _, suffix := range c.suffixes {
			if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
				s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// normalizeText 小写 + 去首尾空白 + 折叠连续空白
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func writeText(b *strings.Builder, s string) {
	if s == "" {
		b.WriteString(absentSentinel + ";")
		return
	}
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
	b.WriteByte(';')
}

func writeInt(b *strings.Builder, v int64, present bool) {
	if !present {
		b.WriteString(absentSentinel + ";")
		return
	}
	writeText(b, strconv.FormatInt(v, 10))
}
