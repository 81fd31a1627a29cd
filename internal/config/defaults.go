package config

import "github.com/spf13/viper"

// setDefaults installs the baseline the file and environment layers
// override.
func setDefaults(v *viper.Viper) {
	v.SetDefault("ilp_address", "test.ilpd")
	v.SetDefault("open_payments_url", "http://localhost:3000")
	v.SetDefault("wallet_address_url", "http://localhost:3000")
	v.SetDefault("auth_server_grant_url", "")

	v.SetDefault("stream_secret", "")
	v.SetDefault("key_id", "")
	v.SetDefault("private_key", "")

	v.SetDefault("quote_lifespan", "5m")
	v.SetDefault("slippage", 0.01)
	v.SetDefault("exchange_rates_url", "")
	v.SetDefault("exchange_rates_lifetime", "15s")
	v.SetDefault("withdrawal_throttle_delay", "10s")
	v.SetDefault("incoming_payment_expiry", "24h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dev", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 16)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("http.open_payments_listen", ":3000")
	v.SetDefault("http.connector_listen", ":3002")
	v.SetDefault("http.peer_timeout", "30s")

	v.SetDefault("pipeline.max_hold_time", "30s")
	v.SetDefault("pipeline.incoming_packets_per_second", 0)
	v.SetDefault("pipeline.incoming_amount_per_second", 0)
	v.SetDefault("pipeline.outgoing_amount_per_second", 0)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.retry_backoff", "10s")
	v.SetDefault("webhook.max_backoff", "1h")
	v.SetDefault("webhook.max_attempts", 10)
	v.SetDefault("webhook.batch_size", 20)

	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.outgoing_retry_backoff", "10s")
	v.SetDefault("worker.outgoing_max_backoff", "10m")
	v.SetDefault("worker.outgoing_max_attempts", 5)
}
