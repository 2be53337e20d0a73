// Package jwt реализует генерацию и парсинг JWT токенов с пользовательскими claim полями.
//
// Токены выдаются админской панели и проверяются middleware перед доступом
// к управляющим конечным точкам (запуск сверки, просмотр состояний).
package jwt

import (
	"time"
)

// Maker описывает интерфейс для генерации и парсинга JWT токенов.
type Maker interface {
	// GenerateToken создает токен с указанием username и роли.
	GenerateToken(username, role string) (string, error)
	// ParseToken возвращает *CustomClaims с username и role.
	ParseToken(tokenStr string) (*CustomClaims, error)
}

// MakerImpl реализует интерфейс Maker с использованием секретного ключа
// и времени жизни токена (TTL).
type MakerImpl struct {
	secretKey string        // Секретный ключ для подписи токенов.
	tokenTTL  time.Duration // Время жизни токена.
}

// NewJWTMaker создаёт новый экземпляр MakerImpl на основе секретного ключа и TTL.
func NewJWTMaker(secretKey string, ttl time.Duration) *MakerImpl {
	return &MakerImpl{
		secretKey: secretKey,
		tokenTTL:  ttl,
	}
}
