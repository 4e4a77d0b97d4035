package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/skyfleet/cloudlink/internal/presence"
)

const deviceSchema = `create table if not exists
    devices(sn varchar(64) NOT NULL PRIMARY KEY,
            domain int,
            type int,
            sub_type int,
            parent_sn varchar(64),
            name varchar(256),
            icon varchar(256))`

// Upsert writes the topology record for one serial.
func (r *MySQLRepository) Upsert(ctx context.Context, d *presence.Device) error {
	_, err := r.db.ExecContext(ctx, `insert into devices
        (sn, domain, type, sub_type, parent_sn, name, icon)
        values (?, ?, ?, ?, ?, ?, ?)
        on duplicate key update
        domain = values(domain), type = values(type),
        sub_type = values(sub_type), parent_sn = values(parent_sn),
        name = values(name), icon = values(icon)`,
		d.SN, d.Classification.Domain, d.Classification.Type,
		d.Classification.SubType, d.ParentSN, d.Name, d.Icon)
	return errors.Wrapf(err, "upsert device %s", d.SN)
}

func (r *MySQLRepository) Parent(ctx context.Context, childSN string) (string, error) {
	var parent string
	err := r.db.QueryRowContext(ctx,
		`select parent_sn from devices where sn = ?`, childSN).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "parent of %s", childSN)
	}
	return parent, nil
}

func (r *MySQLRepository) SetParent(ctx context.Context, childSN, gatewaySN string) error {
	_, err := r.db.ExecContext(ctx,
		`update devices set parent_sn = ? where sn = ?`, gatewaySN, childSN)
	return errors.Wrapf(err, "link %s to %s", childSN, gatewaySN)
}
