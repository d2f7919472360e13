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

package database

const (
	reservationColumns = `id, user_id, kind, requested_amount, frozen_amount, charged_amount, state,
		deadline, provider, provider_order_id, reason, created_at, terminal_at`

	operationColumns = `id, user_id, reservation_id, operation_kind, amount, balance_before, balance_after,
		frozen_before, frozen_after, reason, created_at`

	// Ledger queries
	queryInsertLedger = `
		INSERT OR IGNORE INTO user_ledgers (user_id, balance, frozen_balance, created_at, updated_at)
		VALUES (?, '0', '0', ?, ?)`

	queryGetLedger = `
		SELECT user_id, balance, frozen_balance, created_at, updated_at
		FROM user_ledgers
		WHERE user_id = ?`

	queryLedgerExists = `
		SELECT 1 FROM user_ledgers WHERE user_id = ?`

	queryListUserIds = `
		SELECT user_id
		FROM user_ledgers
		ORDER BY user_id`

	queryUpdateLedger = `
		UPDATE user_ledgers
		SET balance = ?, frozen_balance = ?, updated_at = ?
		WHERE user_id = ?`

	// Reservation queries
	queryInsertReservation = `
		INSERT INTO reservations (id, user_id, kind, requested_amount, frozen_amount, charged_amount, state, deadline, created_at)
		VALUES (?, ?, ?, ?, ?, '0', 'pending', ?, ?)`

	queryGetReservation = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id = ?`

	queryGetUserReservation = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id = ? AND user_id = ?`

	queryFindReservationByOrder = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE provider = ? AND provider_order_id = ?`

	queryListPendingReservations = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = ? AND state = 'pending'
		ORDER BY created_at`

	queryListExpiredReservations = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE state = 'pending' AND kind = ? AND deadline <= ?
		  AND (deadline, id) > (?, ?)
		ORDER BY deadline, id
		LIMIT ?`

	queryListPendingWithOrders = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE state = 'pending' AND provider = ? AND provider_order_id != ''
		ORDER BY created_at
		LIMIT ?`

	queryListAnomalousReservations = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE user_id = ?
		  AND ((state != 'pending' AND CAST(frozen_amount AS REAL) != 0)
		    OR (state = 'pending' AND frozen_amount != requested_amount))
		ORDER BY created_at`

	queryPendingFrozenAmounts = `
		SELECT frozen_amount
		FROM reservations
		WHERE user_id = ? AND state = 'pending'`

	queryFinalizeReservation = `
		UPDATE reservations
		SET state = ?, frozen_amount = '0', charged_amount = ?, reason = ?, terminal_at = ?
		WHERE id = ? AND user_id = ? AND state = 'pending'`

	queryAttachProviderOrder = `
		UPDATE reservations
		SET provider = ?, provider_order_id = ?
		WHERE id = ? AND state = 'pending' AND provider_order_id = ''`

	// Operation log queries
	queryInsertOperation = `
		INSERT INTO ledger_operations (` + operationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetOperations = `
		SELECT ` + operationColumns + `
		FROM ledger_operations
		WHERE user_id = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`

	queryGetReservationOperations = `
		SELECT ` + operationColumns + `
		FROM ledger_operations
		WHERE reservation_id = ?
		ORDER BY seq`
)
