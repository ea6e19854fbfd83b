package dialect

import (
	"fmt"
	"io"

	"dbforge/internal/models"
)

func init() {
	register(&mysqlAdapter{})
}

// mysqlPoolRootPassword is the root password baked into every MySQL pool
// container at startup (see PoolContainerArgs). Bootstrap and Drop run as
// this user since the instance-scoped user either doesn't exist yet or is
// the very thing being removed.
const mysqlPoolRootPassword = "dbforge-pool-root"

type mysqlAdapter struct{}

func (mysqlAdapter) Dialect() models.Dialect { return models.DialectMySQL }

func (mysqlAdapter) ImageReference() string { return "mysql:8" }

func (mysqlAdapter) PoolContainerArgs() PoolArgs {
	return PoolArgs{
		Env: []string{
			"MYSQL_ROOT_PASSWORD=" + mysqlPoolRootPassword,
			"MYSQL_ROOT_HOST=%",
		},
		ExposedPort: "3306/tcp",
		HealthQuery: []string{
			"mysql", "-uroot", "-p" + mysqlPoolRootPassword, "-e", "SELECT 1",
		},
	}
}

func (mysqlAdapter) AdminCommand(stmt string) []string {
	return []string{
		"mysql", "-uroot", "-p" + mysqlPoolRootPassword, "-e", stmt,
	}
}

func (mysqlAdapter) Bootstrap(inst *models.Instance) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`;", inst.DBName),
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s';", inst.Username, inst.Password),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%';", inst.DBName, inst.Username),
		fmt.Sprintf("ALTER USER '%s'@'%%' WITH MAX_USER_CONNECTIONS 4;", inst.Username),
		"FLUSH PRIVILEGES;",
	}
}

func (mysqlAdapter) QueryCommand(inst *models.Instance, sql string) []string {
	return []string{
		"mysql",
		"-u" + inst.Username,
		"-p" + inst.Password,
		inst.DBName,
		"--batch", "--raw", "--silent",
		"-e", sql,
	}
}

func (mysqlAdapter) ParseOutput(stdout, stderr io.Reader, exitCh <-chan error) <-chan models.Event {
	events := make(chan models.Event, 1)
	go func() {
		defer close(events)
		splitTabular(stdout, func(e models.Event) { events <- e })
		foldStderr(stderr, exitCh, func(e models.Event) { events <- e })
	}()
	return events
}

func (mysqlAdapter) DumpCommand(inst *models.Instance) []string {
	return []string{
		"mysqldump",
		"-u" + inst.Username,
		"-p" + inst.Password,
		"--single-transaction", "--routines",
		inst.DBName,
	}
}

func (mysqlAdapter) RestoreCommand(inst *models.Instance) []string {
	return []string{
		"mysql",
		"-u" + inst.Username,
		"-p" + inst.Password,
		inst.DBName,
	}
}

func (mysqlAdapter) SizeProbe(inst *models.Instance) string {
	return fmt.Sprintf(
		`SELECT IFNULL(SUM(data_length+index_length),0) FROM information_schema.tables WHERE table_schema='%s';`,
		inst.DBName,
	)
}

func (mysqlAdapter) Drop(inst *models.Instance) []string {
	return []string{
		fmt.Sprintf("DROP DATABASE IF EXISTS `%s`;", inst.DBName),
		fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%';", inst.Username),
	}
}
