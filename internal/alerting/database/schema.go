package database

// Schema is the persisted layout of rules, channels, incidents and the delivery log.
// alert_rules edits are announced on the alert_rules_changed channel; runtime columns
// (last_triggered_at, last_evaluated_at, last_error) are excluded so evaluation bookkeeping
// does not wake listeners.
const Schema = `
CREATE TABLE IF NOT EXISTS alert_rules (
	rule_id           TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	rule_type         TEXT NOT NULL,
	severity          TEXT NOT NULL,
	labels            JSONB NOT NULL DEFAULT '{}'::jsonb,
	condition         JSONB NOT NULL,
	channels          JSONB NOT NULL DEFAULT '[]'::jsonb,
	cooldown_seconds  BIGINT NOT NULL DEFAULT 0,
	enabled           BOOLEAN NOT NULL DEFAULT TRUE,
	last_triggered_at TIMESTAMPTZ,
	last_evaluated_at TIMESTAMPTZ,
	last_error        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alert_rule_change_logs (
	id          TEXT PRIMARY KEY,
	rule_id     TEXT NOT NULL,
	change_type TEXT NOT NULL,
	old_value   JSONB,
	new_value   JSONB,
	change_time TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_channels (
	channel_id    TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	channel_type  TEXT NOT NULL,
	configuration JSONB NOT NULL DEFAULT '{}'::jsonb,
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alert_incidents (
	incident_id         TEXT PRIMARY KEY,
	rule_id             TEXT NOT NULL,
	severity            TEXT NOT NULL,
	title               TEXT NOT NULL,
	message             TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	incident_data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	notification_status TEXT NOT NULL,
	triggered_at        TIMESTAMPTZ NOT NULL,
	acknowledged_at     TIMESTAMPTZ,
	acknowledged_by     TEXT,
	resolved_at         TIMESTAMPTZ,
	resolved_by         TEXT,
	resolution_notes    TEXT
);
CREATE INDEX IF NOT EXISTS idx_alert_incidents_rule ON alert_incidents (rule_id, triggered_at DESC);

CREATE TABLE IF NOT EXISTS notification_log (
	notification_id TEXT PRIMARY KEY,
	incident_id     TEXT NOT NULL,
	channel_id      TEXT NOT NULL,
	channel_type    TEXT NOT NULL,
	channel_config  JSONB NOT NULL DEFAULT '{}'::jsonb,
	alert_data      JSONB NOT NULL DEFAULT '{}'::jsonb,
	status          TEXT NOT NULL,
	retry_count     INT NOT NULL DEFAULT 0,
	scheduled_time  TIMESTAMPTZ NOT NULL,
	delivered_at    TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_notification_log_status ON notification_log (status);
CREATE INDEX IF NOT EXISTS idx_notification_log_incident ON notification_log (incident_id);

CREATE OR REPLACE FUNCTION notify_alert_rules_changed() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'UPDATE' AND
	   (NEW.name, NEW.severity, NEW.labels, NEW.condition, NEW.channels, NEW.cooldown_seconds, NEW.enabled)
	   IS NOT DISTINCT FROM
	   (OLD.name, OLD.severity, OLD.labels, OLD.condition, OLD.channels, OLD.cooldown_seconds, OLD.enabled) THEN
		RETURN NEW;
	END IF;
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('alert_rules_changed', OLD.rule_id);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('alert_rules_changed', NEW.rule_id);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_alert_rules_changed ON alert_rules;
CREATE TRIGGER trg_alert_rules_changed
	AFTER INSERT OR UPDATE OR DELETE ON alert_rules
	FOR EACH ROW EXECUTE FUNCTION notify_alert_rules_changed();
`

// RulesChangedChannel is the NOTIFY channel raised by trg_alert_rules_changed.
const RulesChangedChannel = "alert_rules_changed"
