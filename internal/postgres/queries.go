/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package postgres

// Numeric columns are read as text and written from decimal strings so that
// no float conversion happens on either side.
const (
	reservationColumns = `id, user_id, kind, requested_amount::text, frozen_amount::text, charged_amount::text,
		state, deadline, provider, provider_order_id, reason, created_at, terminal_at`

	operationColumns = `id, user_id, reservation_id, operation_kind, amount::text,
		balance_before::text, balance_after::text, frozen_before::text, frozen_after::text, reason, created_at`

	queryInsertLedger = `
		INSERT INTO user_ledgers (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`

	queryGetLedger = `
		SELECT user_id, balance::text, frozen_balance::text, created_at, updated_at
		FROM user_ledgers
		WHERE user_id = $1`

	queryLockLedger = queryGetLedger + `
		FOR UPDATE`

	queryListUserIds = `
		SELECT user_id FROM user_ledgers ORDER BY user_id`

	queryUpdateLedger = `
		UPDATE user_ledgers
		SET balance = $1::numeric, frozen_balance = $2::numeric, updated_at = $3
		WHERE user_id = $4`

	queryInsertReservation = `
		INSERT INTO reservations (id, user_id, kind, requested_amount, frozen_amount, state, deadline, created_at)
		VALUES ($1, $2, $3, $4::numeric, $4::numeric, 'pending', $5, $6)
		RETURNING ` + reservationColumns

	queryGetReservation = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id = $1`

	queryLockUserReservation = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`

	queryFindReservationByOrder = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE provider = $1 AND provider_order_id = $2`

	queryListPendingReservations = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = $1 AND state = 'pending'
		ORDER BY created_at`

	queryListExpiredReservations = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE state = 'pending' AND kind = $1 AND deadline <= $2
		  AND (deadline, id) > ($3, $4)
		ORDER BY deadline, id
		LIMIT $5`

	queryListPendingWithOrders = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE state = 'pending' AND provider = $1 AND provider_order_id <> ''
		ORDER BY created_at
		LIMIT $2`

	queryListAnomalousReservations = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = $1
		  AND ((state <> 'pending' AND frozen_amount <> 0)
		    OR (state = 'pending' AND frozen_amount <> requested_amount))
		ORDER BY created_at`

	queryPendingFrozenSum = `
		SELECT COALESCE(SUM(frozen_amount), 0)::text, COUNT(*)
		FROM reservations
		WHERE user_id = $1 AND state = 'pending'`

	queryFinalizeReservation = `
		UPDATE reservations
		SET state = $1, frozen_amount = 0, charged_amount = $2::numeric, reason = $3, terminal_at = $4
		WHERE id = $5 AND user_id = $6 AND state = 'pending'`

	queryAttachProviderOrder = `
		UPDATE reservations
		SET provider = $1, provider_order_id = $2
		WHERE id = $3 AND state = 'pending' AND provider_order_id = ''`

	queryInsertOperation = `
		INSERT INTO ledger_operations (id, user_id, reservation_id, operation_kind, amount,
			balance_before, balance_after, frozen_before, frozen_after, reason, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11)`

	queryGetOperations = `
		SELECT ` + operationColumns + `
		FROM ledger_operations
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`

	queryGetReservationOperations = `
		SELECT ` + operationColumns + `
		FROM ledger_operations
		WHERE reservation_id = $1
		ORDER BY seq`
)
