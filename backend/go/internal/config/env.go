package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFile 从 .env 文件加载环境变量，文件不存在时静默跳过。
// 已存在的环境变量不会被覆盖。
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv 用环境变量覆盖敏感配置，密钥不必写进 YAML。
func ApplyEnv(cfg *AppConfig) {
	setString(&cfg.Auth.JwtSecret, "FOREMAN_JWT_SECRET")
	setString(&cfg.Databases.MongoDB.Address, "FOREMAN_MONGO_URI")
	setString(&cfg.Databases.MongoDB.Password, "FOREMAN_MONGO_PASSWORD")
	setString(&cfg.Databases.Redis.Address, "FOREMAN_REDIS_ADDR")
	setString(&cfg.Databases.Redis.Password, "FOREMAN_REDIS_PASSWORD")
	setString(&cfg.Databases.MySQL.Password, "FOREMAN_MYSQL_PASSWORD")
	setString(&cfg.Databases.MinIO.SecretKey, "FOREMAN_MINIO_SECRET_KEY")
	setString(&cfg.Docker.Auth.Password, "FOREMAN_DOCKER_PASSWORD")
	setString(&cfg.Docker.Auth.Token, "FOREMAN_DOCKER_TOKEN")
	setString(&cfg.Logger.Level, "FOREMAN_LOG_LEVEL")
	if v := os.Getenv("FOREMAN_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Databases.Kafka.Brokers = brokers
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
