package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// ContentHash 返回内容的 SHA256 Hex 字符串。
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileHash 流式计算文件内容的 SHA256 Hex 字符串。
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// short 取前 16 位用于日志。
func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
