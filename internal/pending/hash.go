package pending

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Hash 返回交易字节的 SHA-256 十六进制摘要。
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewID 根据网络与内容哈希派生记录 ID，相同字节在同一网络上收敛到同一 ID。
func NewID(chain, network, contentHash string) string {
	sum := sha256.Sum256([]byte(network + ":" + strings.ToLower(contentHash)))
	return chain + "_confirm_" + hex.EncodeToString(sum[:16])
}

// MakeConfirmToken 计算确认令牌，暂存与确认两条路径使用同一函数。
func MakeConfirmToken(chain, id, contentHash string) string {
	sum := sha256.Sum256([]byte(chain + ":" + id + ":" + strings.ToLower(contentHash)))
	return "0x" + hex.EncodeToString(sum[:])
}

// TokenMatches 以常量时间比较令牌，忽略大小写与 0x 前缀差异。
func TokenMatches(expected, given string) bool {
	a := normalizeHex(expected)
	b := normalizeHex(given)
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashMatches 比较两个内容哈希。
func HashMatches(a, b string) bool {
	a = normalizeHex(a)
	return a != "" && a == normalizeHex(b)
}

func normalizeHex(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.TrimPrefix(v, "0x")
}
