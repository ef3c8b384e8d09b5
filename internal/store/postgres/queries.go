package postgres

const triggerColumns = `cid, account, alarm, event_id, user_id, action, trigger_date, recurrence_id, processed`

const queryGetAccount = `
SELECT cid, id, user_id, provider, enabled
FROM calendar_account
WHERE cid = $1 AND id = $2
`

const queryGetTriggerForUpdate = `
SELECT ` + triggerColumns + `
FROM calendar_alarm_trigger
WHERE cid = $1 AND account = $2 AND alarm = $3
FOR UPDATE
`

const queryListTriggersByEvents = `
SELECT ` + triggerColumns + `
FROM calendar_alarm_trigger
WHERE cid = $1 AND account = $2 AND event_id = ANY($3)
ORDER BY trigger_date ASC, alarm ASC
`

const queryListTriggers = `
SELECT ` + triggerColumns + `
FROM calendar_alarm_trigger
WHERE cid = $1 AND account = $2
  AND ($3 = '' OR event_id = $3)
ORDER BY trigger_date ASC, alarm ASC
`

const queryDeleteTriggersByEvents = `
DELETE FROM calendar_alarm_trigger
WHERE cid = $1 AND account = $2 AND event_id = ANY($3)
`

const queryInsertTrigger = `
INSERT INTO calendar_alarm_trigger (` + triggerColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryResetProcessed = `
UPDATE calendar_alarm_trigger
SET processed = 0
WHERE cid = $1 AND account = $2 AND alarm = $3
  AND processed = $4
`

const queryDiscardTrigger = `
DELETE FROM calendar_alarm_trigger
WHERE cid = $1 AND account = $2 AND alarm = $3
  AND processed = $4
`

const queryDueWindowTriggers = `
SELECT ` + triggerColumns + `
FROM calendar_alarm_trigger
WHERE action = ANY($1)
  AND trigger_date >= $2 AND trigger_date <= $3
ORDER BY trigger_date ASC, alarm ASC
LIMIT $4
`

const queryDueOverdueTriggers = `
SELECT ` + triggerColumns + `
FROM calendar_alarm_trigger
WHERE action = ANY($1)
  AND trigger_date < $2
ORDER BY trigger_date ASC, alarm ASC
LIMIT $3
`

const queryDeleteOrphanedTriggers = `
DELETE FROM calendar_alarm_trigger
WHERE ctid IN (
    SELECT t.ctid FROM calendar_alarm_trigger t
    WHERE NOT EXISTS (
        SELECT 1 FROM calendar_event e
        WHERE e.cid = t.cid AND e.account = t.account AND e.id = t.event_id
    )
    LIMIT $1
)
`

const queryUpdateAlarmAcknowledged = `
UPDATE calendar_alarm
SET acknowledged = $5
WHERE cid = $1 AND account = $2 AND event_id = $3 AND id = $4
`

const queryGetEvent = `
SELECT id, summary, start_date, end_date, timezone, rrule, sequence, last_modified
FROM calendar_event
WHERE cid = $1 AND account = $2 AND id = $3
`

const queryGetEventAlarms = `
SELECT id, action, trigger_offset, related, absolute_date, description, acknowledged
FROM calendar_alarm
WHERE cid = $1 AND account = $2 AND event_id = $3
ORDER BY id ASC
`

const queryTouchEvent = `
UPDATE calendar_event
SET sequence = sequence + 1, last_modified = $4
WHERE cid = $1 AND account = $2 AND id = $3
`

const queryUpsertEvent = `
INSERT INTO calendar_event (cid, account, id, summary, start_date, end_date, timezone, rrule, sequence, last_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (cid, account, id) DO UPDATE SET
    summary = EXCLUDED.summary,
    start_date = EXCLUDED.start_date,
    end_date = EXCLUDED.end_date,
    timezone = EXCLUDED.timezone,
    rrule = EXCLUDED.rrule,
    sequence = EXCLUDED.sequence,
    last_modified = EXCLUDED.last_modified
`

const queryDeleteEventAlarms = `
DELETE FROM calendar_alarm
WHERE cid = $1 AND account = $2 AND event_id = $3
`

const queryInsertAlarm = `
INSERT INTO calendar_alarm (cid, account, event_id, id, action, trigger_offset, related, absolute_date, description, acknowledged)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryDeleteEvents = `
DELETE FROM calendar_event
WHERE cid = $1 AND account = $2 AND id = ANY($3)
`

const queryGetAlarmSetting = `
SELECT enabled FROM calendar_alarm_settings
WHERE cid = $1 AND user_id = $2 AND action = $3
`
