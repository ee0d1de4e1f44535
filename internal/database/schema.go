package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS topup_events (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    event_id VARCHAR(128) NOT NULL,
    credit_type VARCHAR(16) NOT NULL,
    identity VARCHAR(255) NOT NULL,
    credits INT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_event_type (event_id, credit_type),
    KEY idx_identity (identity)
)`,
	`CREATE TABLE IF NOT EXISTS generation_logs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    identity VARCHAR(255) NOT NULL,
    preset_id VARCHAR(64) NOT NULL,
    content_type VARCHAR(16) NOT NULL,
    cost_type VARCHAR(16) NOT NULL,
    request_hash VARCHAR(64) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_identity (identity)
)`,
}
