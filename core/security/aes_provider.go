package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// TokenPrefix 配置中加密凭证的前缀
const TokenPrefix = "enc:"

var errCiphertextTooShort = errors.New("ciphertext too short")

// AESSecretProvider 基于 AES-GCM 的凭证加解密
// 密文格式: base64(nonce || sealed)
type AESSecretProvider struct {
	aead cipher.AEAD
}

// NewAESSecretProvider 创建加解密器
// keyStr 必须是 16, 24 或 32 字节（对应 AES-128, AES-192, AES-256）
func NewAESSecretProvider(keyStr string) (*AESSecretProvider, error) {
	key := []byte(keyStr)
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("invalid key length: %d. Must be 16, 24, or 32 bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSecretProvider{aead: aead}, nil
}

// Encrypt 加密，返回 base64 密文
func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密 base64 密文
func (p *AESSecretProvider) Decrypt(ciphertextBase64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextBase64))
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	nonceSize := p.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errCiphertextTooShort
	}
	plaintext, err := p.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealToken 生成可直接写入配置的 enc: 凭证
func (p *AESSecretProvider) SealToken(token string) (string, error) {
	c, err := p.Encrypt(token)
	if err != nil {
		return "", err
	}
	return TokenPrefix + c, nil
}

// OpenToken 解密 enc: 凭证；未加密的值原样返回
func (p *AESSecretProvider) OpenToken(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return p.Decrypt(strings.TrimPrefix(value, TokenPrefix))
}

// IsSealed 是否为加密凭证
func IsSealed(value string) bool {
	return strings.HasPrefix(value, TokenPrefix)
}
