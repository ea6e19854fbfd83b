package dialect

import (
	"fmt"
	"io"

	"dbforge/internal/models"
)

func init() {
	register(&mssqlAdapter{})
}

// mssqlPoolSAPassword is the sa password baked into every MSSQL pool
// container at startup (see PoolContainerArgs). Bootstrap and Drop run as
// sa since the instance-scoped login either doesn't exist yet or is the
// very thing being removed.
const mssqlPoolSAPassword = "dbforge-pool-S4"

type mssqlAdapter struct{}

func (mssqlAdapter) Dialect() models.Dialect { return models.DialectMSSQL }

func (mssqlAdapter) ImageReference() string { return "mcr.microsoft.com/mssql/server:2022-latest" }

func (mssqlAdapter) PoolContainerArgs() PoolArgs {
	return PoolArgs{
		Env: []string{
			"ACCEPT_EULA=Y",
			"MSSQL_SA_PASSWORD=" + mssqlPoolSAPassword,
			"MSSQL_PID=Developer",
		},
		ExposedPort: "1433/tcp",
		HealthQuery: []string{
			"/opt/mssql-tools/bin/sqlcmd", "-S", "localhost",
			"-U", "sa", "-P", mssqlPoolSAPassword, "-Q", "SELECT 1",
		},
	}
}

func (mssqlAdapter) AdminCommand(stmt string) []string {
	return []string{
		"/opt/mssql-tools/bin/sqlcmd",
		"-S", "localhost",
		"-U", "sa",
		"-P", mssqlPoolSAPassword,
		"-Q", stmt,
	}
}

func (mssqlAdapter) Bootstrap(inst *models.Instance) []string {
	return []string{
		fmt.Sprintf("IF DB_ID('%s') IS NULL CREATE DATABASE [%s];", inst.DBName, inst.DBName),
		fmt.Sprintf(
			"IF NOT EXISTS (SELECT * FROM sys.sql_logins WHERE name = '%s') CREATE LOGIN [%s] WITH PASSWORD='%s';",
			inst.Username, inst.Username, inst.Password,
		),
		fmt.Sprintf("USE [%s]; CREATE USER [%s] FOR LOGIN [%s];", inst.DBName, inst.Username, inst.Username),
		fmt.Sprintf("USE [%s]; ALTER ROLE db_owner ADD MEMBER [%s];", inst.DBName, inst.Username),
	}
}

func (mssqlAdapter) QueryCommand(inst *models.Instance, sql string) []string {
	return []string{
		"/opt/mssql-tools/bin/sqlcmd",
		"-S", "localhost",
		"-U", inst.Username,
		"-P", inst.Password,
		"-d", inst.DBName,
		"-s", "\t",
		"-W",
		"-Q", sql,
	}
}

func (mssqlAdapter) ParseOutput(stdout, stderr io.Reader, exitCh <-chan error) <-chan models.Event {
	events := make(chan models.Event, 1)
	go func() {
		defer close(events)
		splitTabular(stdout, func(e models.Event) { events <- e })
		foldStderr(stderr, exitCh, func(e models.Event) { events <- e })
	}()
	return events
}

func (mssqlAdapter) DumpCommand(inst *models.Instance) []string {
	return []string{
		"/opt/mssql-tools/bin/sqlcmd",
		"-S", "localhost",
		"-U", inst.Username,
		"-P", inst.Password,
		"-Q", fmt.Sprintf("BACKUP DATABASE [%s] TO DISK = N'/tmp/%s.bak'", inst.DBName, inst.DBName),
	}
}

func (mssqlAdapter) RestoreCommand(inst *models.Instance) []string {
	return []string{
		"/opt/mssql-tools/bin/sqlcmd",
		"-S", "localhost",
		"-U", inst.Username,
		"-P", inst.Password,
		"-Q", fmt.Sprintf("RESTORE DATABASE [%s] FROM DISK = N'/tmp/%s.bak' WITH REPLACE", inst.DBName, inst.DBName),
	}
}

func (mssqlAdapter) SizeProbe(inst *models.Instance) string {
	return fmt.Sprintf(
		"USE [%s]; SELECT SUM(size) * 8 * 1024 FROM sys.database_files;",
		inst.DBName,
	)
}

func (mssqlAdapter) Drop(inst *models.Instance) []string {
	return []string{
		fmt.Sprintf("DROP USER IF EXISTS [%s];", inst.Username),
		fmt.Sprintf("DROP LOGIN [%s];", inst.Username),
		fmt.Sprintf("ALTER DATABASE [%s] SET SINGLE_USER WITH ROLLBACK IMMEDIATE; DROP DATABASE [%s];", inst.DBName, inst.DBName),
	}
}
