package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN 获取 lib/pq 连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从 <prefix>_HOST / _PORT / _USER / _PASSWORD / _DATABASE / _SSLMODE / _MAX_CONNS / _MAX_IDLE 覆盖配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	setString(&c.Host, prefix+"_HOST")
	setInt(&c.Port, prefix+"_PORT")
	setString(&c.User, prefix+"_USER")
	setString(&c.Password, prefix+"_PASSWORD")
	setString(&c.Database, prefix+"_DATABASE")
	setString(&c.SSLMode, prefix+"_SSLMODE")
	setInt(&c.MaxConns, prefix+"_MAX_CONNS")
	setInt(&c.MaxIdle, prefix+"_MAX_IDLE")
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	setString(&c.Addr, prefix+"_ADDR")
	setString(&c.Password, prefix+"_PASSWORD")
	setInt(&c.DB, prefix+"_DB")
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	setString(&c.Broker, prefix+"_BROKER")
	setString(&c.ClientID, prefix+"_CLIENT_ID")
	setString(&c.Username, prefix+"_USERNAME")
	setString(&c.Password, prefix+"_PASSWORD")
	if v := os.Getenv(prefix + "_QOS"); v != "" {
		if q, err := strconv.Atoi(v); err == nil && q >= 0 && q <= 2 {
			c.QoS = byte(q)
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}
