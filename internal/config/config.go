// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（JWT 密钥、服务商密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"studymate-server/internal/apiserver/auth"
	"studymate-server/internal/shared/objstore"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server ServerConfig      `yaml:"server"`
	Mongo  MongoConfig       `yaml:"mongo"`
	Redis  RedisConfig       `yaml:"redis"`
	Auth   auth.Config       `yaml:"auth"`
	SMS    auth.SMSConfig    `yaml:"sms"`
	Wechat auth.WechatConfig `yaml:"wechat"`
	MinIO  objstore.Config   `yaml:"minio"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type MongoConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env      Environment
	APIPort  string
	MongoURI string
	MongoDB  string
	RedisURL string
	Auth     auth.Config
	SMS      auth.SMSConfig
	Wechat   auth.WechatConfig
	MinIO    objstore.Config
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	cfg := &Config{
		Env:      env,
		APIPort:  getEnv("API_PORT", yamlCfg.Server.Port),
		MongoURI: getEnv("MONGO_URI", buildMongoURI(yamlCfg.Mongo)),
		MongoDB:  yamlCfg.Mongo.Name,
		RedisURL: getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis)),
		Auth:     yamlCfg.Auth,
		SMS:      yamlCfg.SMS,
		Wechat:   yamlCfg.Wechat,
		MinIO:    yamlCfg.MinIO,
	}

	// 敏感信息只走环境变量
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.SMS.APIKey = getEnv("SMS_API_KEY", cfg.SMS.APIKey)
	cfg.Wechat.AppID = getEnv("WECHAT_APPID", cfg.Wechat.AppID)
	cfg.Wechat.Secret = getEnv("WECHAT_SECRET", cfg.Wechat.Secret)
	cfg.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", cfg.MinIO.AccessKey)
	cfg.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", cfg.MinIO.SecretKey)

	cfg.validate()
	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		Server: ServerConfig{Port: "3000"},
		Mongo:  MongoConfig{Host: "localhost", Port: 27017, Name: "studymate"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Auth:   auth.DefaultConfig(),
	}

	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// validate 填充派生默认值
func (c *Config) validate() {
	if c.MongoDB == "" {
		c.MongoDB = "studymate"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
}

func buildMongoURI(m MongoConfig) string {
	return fmt.Sprintf("mongodb://%s:%d", m.Host, m.Port)
}

func buildRedisURL(r RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", r.Host, r.Port, r.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsProduction 是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// String 返回配置摘要（隐藏凭证）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Port: %s, Mongo: %s/%s, Redis: %s}",
		c.Env, c.APIPort, maskPassword(c.MongoURI), c.MongoDB, maskPassword(c.RedisURL))
}

// maskPassword 隐藏连接串中的密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}
