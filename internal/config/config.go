package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	SettleResult  string `mapstructure:"settle_result"`
	ConvertResult string `mapstructure:"convert_result"`
	OpsAlert      string `mapstructure:"ops_alert"`
}

// ChainConfig 链桥配置
// token_address 指向已部署且不可升级的代币合约，合约接口固定为
// transfer / mint / approve / balanceOf
type ChainConfig struct {
	RPCURL                string `mapstructure:"rpc_url"`
	ChainID               int64  `mapstructure:"chain_id"`
	TokenAddress          string `mapstructure:"token_address"`
	PrivateKey            string `mapstructure:"private_key"`      // 平台签名私钥（hex）
	TreasuryAddress       string `mapstructure:"treasury_address"` // 收款方缺失时的兜底地址
	GasLimit              uint64 `mapstructure:"gas_limit"`
	ConfirmTimeoutSeconds int    `mapstructure:"confirm_timeout_seconds"`
}

type BusinessConfig struct {
	PointsPerToken          int64 `mapstructure:"points_per_token"`           // 兑换比例：多少积分换 1 个代币
	ReconcileIntervalSecond int   `mapstructure:"reconcile_interval_second"`  // 对账任务轮询间隔
	ReconcileGraceSecond    int   `mapstructure:"reconcile_grace_second"`     // PENDING 记录进入对账的宽限期
	ReconcileMaxRetries     int   `mapstructure:"reconcile_max_retries"`      // 对账轮询次数上限，超出转人工
	ReviewQueueCapacity     int   `mapstructure:"review_queue_capacity"`      // 人工复核队列容量
	MaxRetryCount           int   `mapstructure:"max_retry_count"`            // 发件箱投递重试上限
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
